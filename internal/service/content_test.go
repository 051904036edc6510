package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/service"
)

func TestTemplateContent(t *testing.T) {
	t.Parallel()

	r := model.Recipient{ExternalRef: "alice", Channel: "linkedin"}
	campaign := func(tmpl string) model.Campaign {
		return model.Campaign{ID: "c", Name: "Spring", Steps: []model.Step{
			{Action: model.ActionInvite},
			{Action: model.ActionFollowUp, Template: tmpl},
		}}
	}
	job := model.Job{Step: 1}

	tests := []struct {
		name      string
		tmpl      string
		max       int
		want      string
		noContent bool
	}{
		{name: "renders fields", tmpl: "Hi {{.Recipient}}, step {{.Step}} of {{.Campaign}} on {{.Channel}}", want: "Hi alice, step 2 of Spring on linkedin"},
		{name: "trims whitespace", tmpl: "  hello  \n", want: "hello"},
		{name: "empty template", tmpl: "", noContent: true},
		{name: "unknown field", tmpl: "Hi {{.Nickname}}", noContent: true},
		{name: "parse error", tmpl: "Hi {{", noContent: true},
		{name: "too long", tmpl: "Hello there", max: 5, noContent: true},
		{name: "within limit counts runes", tmpl: "héllo", max: 5, want: "héllo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := service.NewTemplateContent(tt.max).Content(context.Background(), job, r, campaign(tt.tmpl))
			if tt.noContent {
				if !errors.Is(err, service.ErrNoContent) {
					t.Fatalf("expected ErrNoContent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Content() error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}

	if _, err := service.NewTemplateContent(0).Content(context.Background(), model.Job{Step: 7}, r, campaign("x")); !errors.Is(err, service.ErrNoContent) {
		t.Fatalf("expected ErrNoContent for missing step, got %v", err)
	}
}
