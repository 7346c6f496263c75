package events

import (
	"log/slog"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

// Observer receives pipeline events. Notify is called synchronously from the
// pipeline and must not block for long.
type Observer interface {
	Notify(ev model.Event)
}

type Func func(ev model.Event)

func (f Func) Notify(ev model.Event) { f(ev) }

// Fanout delivers each event to every observer in order.
type Fanout []Observer

func (f Fanout) Notify(ev model.Event) {
	for _, o := range f {
		if o != nil {
			o.Notify(ev)
		}
	}
}

type Logger struct {
	log *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{log: logger.With("component", "events")}
}

func (l *Logger) Notify(ev model.Event) {
	attrs := []any{"event", string(ev.Type)}
	if ev.Item != nil {
		attrs = append(attrs,
			"item_id", ev.Item.ID,
			"recipient", ev.Item.Recipient,
			"attempts", ev.Item.Attempts,
		)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.Err != "" {
		attrs = append(attrs, "err", ev.Err)
	}

	switch ev.Type {
	case model.EventFailed, model.EventEmergencyPaused:
		l.log.Warn("delivery event", attrs...)
	case model.EventRetry, model.EventRejected:
		l.log.Info("delivery event", attrs...)
	default:
		l.log.Debug("delivery event", attrs...)
	}
}
