package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

// Channel performs outreach actions on behalf of an account. Both calls
// return the remote message id on success and an *Error otherwise.
type Channel interface {
	Invite(ctx context.Context, r model.Recipient, a model.Account) (string, error)
	Message(ctx context.Context, r model.Recipient, a model.Account, content string) (string, error)
}

// WebhookClient talks to a channel gateway over HTTP JSON.
type WebhookClient struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

var _ Channel = (*WebhookClient)(nil)

type Option func(*WebhookClient)

func WithToken(token string) Option {
	return func(c *WebhookClient) { c.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(c *WebhookClient) { c.client.Timeout = d }
}

func NewWebhookClient(url string, opts ...Option) *WebhookClient {
	c := &WebhookClient{
		url: strings.TrimRight(url, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type actionRequest struct {
	Channel   string `json:"channel"`
	Identity  string `json:"identity"`
	Recipient string `json:"recipient"`
	Content   string `json:"content,omitempty"`
}

type actionResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (c *WebhookClient) Invite(ctx context.Context, r model.Recipient, a model.Account) (string, error) {
	return c.post(ctx, "/invite", r, a, "")
}

func (c *WebhookClient) Message(ctx context.Context, r model.Recipient, a model.Account, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", Permanent(errors.New("empty message content"))
	}
	return c.post(ctx, "/message", r, a, content)
}

func (c *WebhookClient) post(ctx context.Context, path string, r model.Recipient, a model.Account, content string) (string, error) {
	if a.Identity == "" {
		return "", Permanent(fmt.Errorf("account %s has no channel identity", a.ID))
	}

	reqBody, err := json.Marshal(actionRequest{
		Channel:   a.Channel,
		Identity:  a.Identity,
		Recipient: r.ExternalRef,
		Content:   content,
	})
	if err != nil {
		return "", Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(reqBody))
	if err != nil {
		return "", Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &Error{
			Kind:       KindRateLimited,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Err:        fmt.Errorf("rate limited body=%q", string(body)),
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return "", &Error{Kind: KindTransient, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))}
	default:
		return "", &Error{Kind: KindPermanent, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))}
	}

	// The gateway accepted the action; a malformed answer must not lead to
	// a resend.
	var ar actionResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return "", Permanent(fmt.Errorf("failed to decode json: %w body=%q", err, string(body)))
	}
	if ar.MessageID == "" {
		return "", Permanent(fmt.Errorf("missing messageId in response body=%q", string(body)))
	}

	return ar.MessageID, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
