package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
	"github.com/LeventeLantos/outreach-scheduler/internal/repo"
	"github.com/LeventeLantos/outreach-scheduler/internal/scheduler"
	"github.com/LeventeLantos/outreach-scheduler/internal/service"
)

const maxBodyBytes = 1 << 20

type Sequencer interface {
	Enroll(ctx context.Context, e service.Enrollment) (model.Recipient, error)
	Approve(ctx context.Context, recipientID uuid.UUID) (model.Job, error)
	OnReply(ctx context.Context, ev service.RecipientEvent) error
	OnAcknowledged(ctx context.Context, ev service.RecipientEvent) error
	OnRejected(ctx context.Context, ev service.RecipientEvent) error
}

type Admin interface {
	EnqueueFirstStep(ctx context.Context, recipientID uuid.UUID) (model.Job, error)
	CancelAllPending(ctx context.Context, recipientID uuid.UUID) (int, error)
	Resume(ctx context.Context, recipientID uuid.UUID) (*model.Job, error)
	Recipient(ctx context.Context, recipientID uuid.UUID) (service.RecipientView, error)
	Health(ctx context.Context, accountID string) (service.AccountHealth, error)
	ForceRequeue(ctx context.Context, jobID uuid.UUID) (model.Job, error)
	PurgeJob(ctx context.Context, jobID uuid.UUID) error
	PendingJobs(ctx context.Context, accountID string, limit int) ([]model.Job, error)
}

type Reconciler interface {
	Pass(ctx context.Context) service.Report
}

type Handler struct {
	sched scheduler.Loop
	seq   Sequencer
	admin Admin
	recon Reconciler
}

func NewHandler(s scheduler.Loop, seq Sequencer, admin Admin, recon Reconciler) *Handler {
	return &Handler{sched: s, seq: seq, admin: admin, recon: recon}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.recon.Pass(r.Context()))
}

type enrollRequest struct {
	Channel     string `json:"channel"`
	ExternalRef string `json:"externalRef"`
	CampaignID  string `json:"campaignId"`
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Channel == "" || req.ExternalRef == "" || req.CampaignID == "" {
		http.Error(w, "channel, externalRef and campaignId are required", http.StatusBadRequest)
		return
	}

	rec, err := h.seq.Enroll(r.Context(), service.Enrollment{
		Channel:     req.Channel,
		ExternalRef: req.ExternalRef,
		CampaignID:  req.CampaignID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecipient(rec))
}

func (h *Handler) GetRecipient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	view, err := h.admin.Recipient(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	jobs := make([]jobResponse, 0, len(view.Jobs))
	for _, j := range view.Jobs {
		jobs = append(jobs, toJob(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recipient": toRecipient(view.Recipient),
		"jobs":      jobs,
		"next":      view.Next,
	})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	job, err := h.seq.Approve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJob(job))
}

func (h *Handler) EnqueueFirstStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	job, err := h.admin.EnqueueFirstStep(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJob(job))
}

func (h *Handler) CancelPending(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	n, err := h.admin.CancelAllPending(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	job, err := h.admin.Resume(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var out *jobResponse
	if job != nil {
		j := toJob(*job)
		out = &j
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": out})
}

type eventRequest struct {
	Channel     string    `json:"channel"`
	ExternalRef string    `json:"externalRef"`
	CampaignID  string    `json:"campaignId"`
	At          time.Time `json:"at"`
}

// Event returns a handler feeding one kind of recipient event to fn.
func (h *Handler) Event(fn func(ctx context.Context, ev service.RecipientEvent) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Channel == "" || req.ExternalRef == "" || req.CampaignID == "" {
			http.Error(w, "channel, externalRef and campaignId are required", http.StatusBadRequest)
			return
		}

		err := fn(r.Context(), service.RecipientEvent{
			Channel:     req.Channel,
			ExternalRef: req.ExternalRef,
			CampaignID:  req.CampaignID,
			At:          req.At,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	}
}

func (h *Handler) AccountHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.admin.Health(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	job, err := h.admin.ForceRequeue(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJob(job))
}

func (h *Handler) PurgeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if err := h.admin.PurgeJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPendingJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	account := r.URL.Query().Get("account")

	jobs, err := h.admin.PendingJobs(r.Context(), account, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, toJob(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type jobResponse struct {
	ID           uuid.UUID  `json:"id"`
	RecipientID  uuid.UUID  `json:"recipientId"`
	AccountID    string     `json:"accountId"`
	CampaignID   string     `json:"campaignId"`
	Action       string     `json:"action"`
	Step         int        `json:"step"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attemptCount"`
	MaxRetries   int        `json:"maxRetries"`
	LastError    string     `json:"lastError,omitempty"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func toJob(j model.Job) jobResponse {
	return jobResponse{
		ID:           j.ID,
		RecipientID:  j.RecipientID,
		AccountID:    j.AccountID,
		CampaignID:   j.CampaignID,
		Action:       string(j.Action),
		Step:         j.Step + 1,
		ScheduledFor: j.ScheduledFor,
		Status:       string(j.Status),
		AttemptCount: j.AttemptCount,
		MaxRetries:   j.MaxRetries,
		LastError:    j.LastError,
		DispatchedAt: j.DispatchedAt,
		CompletedAt:  j.CompletedAt,
	}
}

type recipientResponse struct {
	ID           uuid.UUID  `json:"id"`
	Channel      string     `json:"channel"`
	ExternalRef  string     `json:"externalRef"`
	CampaignID   string     `json:"campaignId"`
	AccountID    string     `json:"accountId"`
	Lifecycle    string     `json:"lifecycle"`
	Terminal     bool       `json:"terminal"`
	NextDueAt    *time.Time `json:"nextDueAt,omitempty"`
	LastActionAt *time.Time `json:"lastActionAt,omitempty"`
	Attention    string     `json:"attention,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

func toRecipient(r model.Recipient) recipientResponse {
	return recipientResponse{
		ID:           r.ID,
		Channel:      r.Channel,
		ExternalRef:  r.ExternalRef,
		CampaignID:   r.CampaignID,
		AccountID:    r.AccountID,
		Lifecycle:    r.Lifecycle.String(),
		Terminal:     r.Terminal,
		NextDueAt:    r.NextDueAt,
		LastActionAt: r.LastActionAt,
		Attention:    r.Attention,
		Reason:       r.Reason,
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid id %q", r.PathValue("id")), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrBindingBroken):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repo.ErrRecipientTerminal),
		errors.Is(err, repo.ErrInvalidTransition),
		errors.Is(err, repo.ErrDuplicateOpenJob),
		errors.Is(err, repo.ErrConflict),
		errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrOutOfOrder),
		errors.Is(err, service.ErrAccountSuspended),
		errors.Is(err, service.ErrJobOpen),
		errors.Is(err, service.ErrOnHold):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusOf(err))
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
