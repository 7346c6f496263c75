package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/client"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/events"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

type Decision int

const (
	Requeued Decision = iota
	Exhausted
)

func (d Decision) String() string {
	if d == Requeued {
		return "requeued"
	}
	return "exhausted"
}

type FailureStore interface {
	RecordFailure(ctx context.Context, f model.FailureRecord) error
}

// RetryHandler decides what happens to an item after a failed attempt.
// There is no backoff; the per-recipient floor spaces the retries.
type RetryHandler struct {
	requeue  func(item *model.QueueItem)
	failures FailureStore
	observer events.Observer
	log      *slog.Logger
	now      func() time.Time
}

func NewRetryHandler(requeue func(item *model.QueueItem), failures FailureStore, observer events.Observer, logger *slog.Logger) *RetryHandler {
	if observer == nil {
		observer = events.Fanout(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryHandler{
		requeue:  requeue,
		failures: failures,
		observer: observer,
		log:      logger,
		now:      time.Now,
	}
}

// OnFailure requeues item at the back while it has attempts left. Otherwise,
// or when the recipient blocked us, it persists a failure record.
func (h *RetryHandler) OnFailure(ctx context.Context, item *model.QueueItem, cause error) Decision {
	now := h.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if item.Attempts < item.MaxAttempts && !errors.Is(cause, client.ErrRecipientBlocked) {
		snapshot := *item
		h.requeue(item)
		h.observer.Notify(model.Event{Type: model.EventRetry, Item: &snapshot, Err: msg, At: now})
		return Requeued
	}

	rec := model.FailureRecord{
		ItemID:    item.ID,
		Recipient: item.Recipient,
		Summary:   item.Payload.Summary(),
		Error:     msg,
		Attempts:  item.Attempts,
		FailedAt:  now,
	}
	if h.failures != nil {
		if err := h.failures.RecordFailure(ctx, rec); err != nil {
			h.log.Error("record failure failed", "item_id", item.ID, "err", err)
		}
	}

	snapshot := *item
	h.observer.Notify(model.Event{Type: model.EventFailed, Item: &snapshot, Err: msg, At: now})
	return Exhausted
}
