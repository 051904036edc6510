package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)
	mux.HandleFunc("POST /v1/reconcile", h.Reconcile)

	mux.HandleFunc("POST /v1/recipients", h.Enroll)
	mux.HandleFunc("GET /v1/recipients/{id}", h.GetRecipient)
	mux.HandleFunc("POST /v1/recipients/{id}/approve", h.Approve)
	mux.HandleFunc("POST /v1/recipients/{id}/enqueue-first", h.EnqueueFirstStep)
	mux.HandleFunc("POST /v1/recipients/{id}/cancel-pending", h.CancelPending)
	mux.HandleFunc("POST /v1/recipients/{id}/resume", h.Resume)

	mux.HandleFunc("POST /v1/events/reply", h.Event(h.seq.OnReply))
	mux.HandleFunc("POST /v1/events/ack", h.Event(h.seq.OnAcknowledged))
	mux.HandleFunc("POST /v1/events/reject", h.Event(h.seq.OnRejected))

	mux.HandleFunc("GET /v1/accounts/{id}/health", h.AccountHealth)

	mux.HandleFunc("GET /v1/jobs/pending", h.ListPendingJobs)
	mux.HandleFunc("POST /v1/jobs/{id}/requeue", h.RequeueJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", h.PurgeJob)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("outreach-scheduler"))
	})

	return mux
}
