package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// MinRequests and FailureRatio decide when the breaker opens.
	MinRequests  uint32
	FailureRatio float64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:         "chat-transport",
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// BreakerTransport stops calling a gateway that keeps failing. While open,
// Send fails fast and the retry handler takes over as with any failure.
type BreakerTransport struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerTransport(next Transport, cfg BreakerConfig, logger *slog.Logger) *BreakerTransport {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// a blocked recipient says nothing about the gateway's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRecipientBlocked)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("transport circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerTransport{next: next, cb: cb}
}

func (b *BreakerTransport) Send(ctx context.Context, recipient string, payload model.Payload) (string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, recipient, payload)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *BreakerTransport) Exists(ctx context.Context, recipient string) (bool, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Exists(ctx, recipient)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (b *BreakerTransport) State() gobreaker.State {
	return b.cb.State()
}
