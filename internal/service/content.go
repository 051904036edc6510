package service

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

// ContentProvider supplies the literal message text of a job.
type ContentProvider interface {
	Content(ctx context.Context, job model.Job, r model.Recipient, c model.Campaign) (string, error)
}

// TemplateContent renders the campaign step template with the recipient
// fields. Rendered text longer than maxRunes is rejected.
type TemplateContent struct {
	maxRunes int
}

func NewTemplateContent(maxRunes int) *TemplateContent {
	return &TemplateContent{maxRunes: maxRunes}
}

type templateData struct {
	Recipient string
	Channel   string
	Campaign  string
	Step      int
}

func (p *TemplateContent) Content(ctx context.Context, job model.Job, r model.Recipient, c model.Campaign) (string, error) {
	step, ok := c.StepAt(job.Step)
	if !ok || strings.TrimSpace(step.Template) == "" {
		return "", fmt.Errorf("campaign %s step %d: %w", c.ID, job.Step+1, ErrNoContent)
	}

	tmpl, err := template.New("step").Option("missingkey=error").Parse(step.Template)
	if err != nil {
		return "", fmt.Errorf("campaign %s step %d template: %v: %w", c.ID, job.Step+1, err, ErrNoContent)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, templateData{
		Recipient: r.ExternalRef,
		Channel:   r.Channel,
		Campaign:  c.Name,
		Step:      job.Step + 1,
	}); err != nil {
		return "", fmt.Errorf("render campaign %s step %d: %v: %w", c.ID, job.Step+1, err, ErrNoContent)
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("campaign %s step %d rendered empty: %w", c.ID, job.Step+1, ErrNoContent)
	}
	if p.maxRunes > 0 && utf8.RuneCountInString(out) > p.maxRunes {
		return "", fmt.Errorf("content exceeds %d chars: %w", p.maxRunes, ErrNoContent)
	}
	return out, nil
}
