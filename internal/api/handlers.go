package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/cache"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/monitor"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/queue"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/ratelimit"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/repo"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/session"
)

type SentLookup interface {
	LookupSent(ctx context.Context, itemID string) (cache.SentValue, error)
}

type ActivityRecorder interface {
	Touch(ctx context.Context, recipient string, at time.Time) error
}

type Deps struct {
	Queue    *queue.Queue
	Sessions *session.Tracker
	Monitor  *monitor.Monitor
	Limiter  *ratelimit.Limiter
	Outcomes repo.OutcomeRepository

	// optional
	Receipts SentLookup
	Activity ActivityRecorder
	Gatherer prometheus.Gatherer
	Clock    func() time.Time
}

type Handler struct {
	queue    *queue.Queue
	sessions *session.Tracker
	monitor  *monitor.Monitor
	limiter  *ratelimit.Limiter
	outcomes repo.OutcomeRepository
	receipts SentLookup
	activity ActivityRecorder
	metrics  http.Handler
	now      func() time.Time
}

func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Handler{
		queue:    d.Queue,
		sessions: d.Sessions,
		monitor:  d.Monitor,
		limiter:  d.Limiter,
		outcomes: d.Outcomes,
		receipts: d.Receipts,
		activity: d.Activity,
		metrics:  metricsHandler(d.Gatherer),
		now:      d.Clock,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var item model.QueueItem
	if err := decodeBody(w, r, &item); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted, err := h.queue.Enqueue(r.Context(), item)

	var rej *queue.RejectionError
	switch {
	case errors.As(err, &rej):
		body := map[string]any{
			"error":  "rejected",
			"stage":  rej.Stage,
			"reason": rej.Reason,
		}
		if rej.RetryAfter > 0 {
			body["retryAfterSeconds"] = math.Round(rej.RetryAfter.Seconds()*10) / 10
		}
		if len(rej.Warnings) > 0 {
			body["warnings"] = rej.Warnings
		}
		writeJSON(w, http.StatusUnprocessableEntity, body)
	case errors.Is(err, queue.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"item": accepted})
	}
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	for _, it := range h.queue.Pending() {
		if it.ID == id {
			writeJSON(w, http.StatusOK, map[string]any{"status": model.Pending, "item": it})
			return
		}
	}

	if h.receipts != nil {
		v, err := h.receipts.LookupSent(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{
				"status":          model.Sent,
				"remoteMessageId": v.RemoteMessageID,
				"sentAt":          v.SentAt,
			})
			return
		case !errors.Is(err, cache.ErrMiss):
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeError(w, http.StatusNotFound, "message not found")
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	err := h.queue.Cancel(r.PathValue("id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inboundRequest struct {
	Conversation string    `json:"conversation"`
	At           time.Time `json:"at"`
}

// Inbound records a customer message, which opens or extends the reply window.
func (h *Handler) Inbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Conversation) == "" {
		writeError(w, http.StatusBadRequest, "conversation is required")
		return
	}

	now := h.now()
	at := req.At
	if at.IsZero() || at.After(now) {
		at = now
	}

	s, err := h.sessions.RecordInbound(r.Context(), req.Conversation, at)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.activity != nil {
		if err := h.activity.Touch(r.Context(), req.Conversation, at); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":    s,
		"windowOpen": s.WindowOpen(now, h.sessions.Horizon()),
	})
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	body := map[string]any{
		"running": h.queue.IsRunning(),
		"depth":   h.queue.Len(),
		"pending": h.queue.Pending(),
	}
	if h.monitor != nil {
		stats := h.monitor.Snapshot()
		stats.Paused = h.monitor.Paused(now)
		body["monitor"] = stats
		body["paused"] = stats.Paused
	}
	if h.limiter != nil {
		body["limits"] = h.limiter.Snapshot(now)
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) QueueStart(w http.ResponseWriter, r *http.Request) {
	h.queue.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.queue.IsRunning()})
}

func (h *Handler) QueueStop(w http.ResponseWriter, r *http.Request) {
	h.queue.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.queue.IsRunning()})
}

func (h *Handler) EmergencyClear(w http.ResponseWriter, r *http.Request) {
	h.monitor.Clear()
	h.queue.Wake()
	writeJSON(w, http.StatusOK, map[string]any{"paused": h.monitor.Paused(h.now())})
}

func (h *Handler) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.outcomes.ListOutcomes(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []model.Outcome{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return nil
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
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

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
