package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/messages", h.EnqueueMessage)
	mux.HandleFunc("GET /v1/messages/outcomes", h.ListOutcomes)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("DELETE /v1/messages/{id}", h.CancelMessage)

	mux.HandleFunc("POST /v1/inbound", h.Inbound)

	mux.HandleFunc("GET /v1/queue/status", h.QueueStatus)
	mux.HandleFunc("POST /v1/queue/start", h.QueueStart)
	mux.HandleFunc("POST /v1/queue/stop", h.QueueStop)

	mux.HandleFunc("POST /v1/emergency/clear", h.EmergencyClear)

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("umroh-crm delivery"))
	})

	return mux
}
