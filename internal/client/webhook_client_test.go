package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

func testAccount() model.Account {
	return model.Account{ID: "acc-1", Channel: "linkedin", Identity: "sales-bot"}
}

func testRecipient() model.Recipient {
	return model.Recipient{Channel: "linkedin", ExternalRef: "urn:li:42"}
}

func TestWebhookClient_Message_Success(t *testing.T) {
	t.Parallel()

	type gotReq struct {
		Method        string
		Path          string
		ContentType   string
		Authorization string
		Body          []byte
	}

	var captured gotReq

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Method = r.Method
		captured.Path = r.URL.Path
		captured.ContentType = r.Header.Get("Content-Type")
		captured.Authorization = r.Header.Get("Authorization")

		b, _ := ioReadAll(r)
		captured.Body = b

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"Accepted","messageId":"abc-123"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL+"/", WithToken("secret"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msgID, err := c.Message(ctx, testRecipient(), testAccount(), "hello")
	if err != nil {
		t.Fatalf("Message() error: %v", err)
	}
	if msgID != "abc-123" {
		t.Fatalf("expected messageId %q, got %q", "abc-123", msgID)
	}

	if captured.Method != http.MethodPost {
		t.Fatalf("expected method POST, got %q", captured.Method)
	}
	if captured.Path != "/message" {
		t.Fatalf("expected path /message, got %q", captured.Path)
	}
	if captured.ContentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", captured.ContentType)
	}
	if captured.Authorization != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", captured.Authorization)
	}

	var req actionRequest
	if err := json.Unmarshal(captured.Body, &req); err != nil {
		t.Fatalf("failed to decode request json: %v body=%q", err, string(captured.Body))
	}
	if req.Recipient != "urn:li:42" || req.Identity != "sales-bot" || req.Channel != "linkedin" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Content != "hello" {
		t.Fatalf("expected content %q, got %q", "hello", req.Content)
	}
}

func TestWebhookClient_Invite_OmitsContent(t *testing.T) {
	t.Parallel()

	var path string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = ioReadAll(r)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"messageId":"inv-1"}`))
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL)

	id, err := c.Invite(context.Background(), testRecipient(), testAccount())
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}
	if id != "inv-1" || path != "/invite" {
		t.Fatalf("unexpected result id=%q path=%q", id, path)
	}
	if strings.Contains(string(body), "content") {
		t.Fatalf("invite body should not carry content: %s", body)
	}
}

func TestWebhookClient_ClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		header string
		kind   ErrorKind
		after  time.Duration
	}{
		{name: "rate limited with seconds", status: http.StatusTooManyRequests, header: "120", kind: KindRateLimited, after: 2 * time.Minute},
		{name: "rate limited without header", status: http.StatusTooManyRequests, kind: KindRateLimited},
		{name: "server error", status: http.StatusBadGateway, kind: KindTransient},
		{name: "request timeout", status: http.StatusRequestTimeout, kind: KindTransient},
		{name: "forbidden", status: http.StatusForbidden, kind: KindPermanent},
		{name: "not found", status: http.StatusNotFound, kind: KindPermanent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := NewWebhookClient(srv.URL).Invite(context.Background(), testRecipient(), testAccount())
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if got := KindOf(err); got != tc.kind {
				t.Fatalf("expected kind %s, got %s (%v)", tc.kind, got, err)
			}
			if got := RetryAfterOf(err); got != tc.after {
				t.Fatalf("expected retry after %s, got %s", tc.after, got)
			}
			if !strings.Contains(err.Error(), `body="nope"`) {
				t.Fatalf("expected error to include body, got: %v", err)
			}
		})
	}
}

func TestWebhookClient_InvalidJSON_IsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("THIS IS NOT JSON"))
	}))
	defer srv.Close()

	_, err := NewWebhookClient(srv.URL).Message(context.Background(), testRecipient(), testAccount(), "hi")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if KindOf(err) != KindPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed to decode json") {
		t.Fatalf("expected decode error, got: %v", err)
	}
}

func TestWebhookClient_MissingMessageId_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"Accepted"}`))
	}))
	defer srv.Close()

	_, err := NewWebhookClient(srv.URL).Message(context.Background(), testRecipient(), testAccount(), "hi")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "missing messageId") {
		t.Fatalf("expected missing messageId error, got: %v", err)
	}
}

func TestWebhookClient_MissingIdentity_NoRequest(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	acc := testAccount()
	acc.Identity = ""

	_, err := NewWebhookClient(srv.URL).Invite(context.Background(), testRecipient(), acc)
	if KindOf(err) != KindPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if called {
		t.Fatalf("server must not be called without identity")
	}
}

func TestWebhookClient_EmptyContent_IsPermanent(t *testing.T) {
	t.Parallel()

	_, err := NewWebhookClient("http://127.0.0.1:0").Message(context.Background(), testRecipient(), testAccount(), "  ")
	if KindOf(err) != KindPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestWebhookClient_ContextCanceled_IsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"Accepted","messageId":"abc"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewWebhookClient(srv.URL).Message(ctx, testRecipient(), testAccount(), "hi")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) &&
		!strings.Contains(strings.ToLower(err.Error()), "deadline") {
		t.Fatalf("expected context/deadline error, got: %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if got := parseRetryAfter("30", now); got != 30*time.Second {
		t.Fatalf("seconds: got %s", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != 90*time.Second {
		t.Fatalf("http date: got %s", got)
	}
	if got := parseRetryAfter("garbage", now); got != 0 {
		t.Fatalf("garbage: got %s", got)
	}
	if got := parseRetryAfter("-5", now); got != 0 {
		t.Fatalf("negative: got %s", got)
	}
}

func ioReadAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
