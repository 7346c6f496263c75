package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/client"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

var (
	// ErrTemplateRequired means the session window is closed and the payload
	// has no template to fall back to.
	ErrTemplateRequired = errors.New("session window expired, template required")
	ErrNotOnPlatform    = errors.New("recipient is not on the chat platform")
)

type Sessions interface {
	CanSendFreeForm(ctx context.Context, conversation string, now time.Time) (bool, error)
	RecordOutbound(ctx context.Context, conversation string, at time.Time) error
}

// Sender performs one delivery attempt for a queue item.
type Sender struct {
	transport client.Transport
	sessions  Sessions

	onSent   func(ctx context.Context, item *model.QueueItem, remoteMessageID string, sentAt time.Time) error
	onFailed func(ctx context.Context, item *model.QueueItem, reason string) error
}

func NewSender(transport client.Transport, sessions Sessions) *Sender {
	return &Sender{
		transport: transport,
		sessions:  sessions,
	}
}

func (s *Sender) WithHooks(
	onSent func(ctx context.Context, item *model.QueueItem, remoteMessageID string, sentAt time.Time) error,
	onFailed func(ctx context.Context, item *model.QueueItem, reason string) error,
) *Sender {
	s.onSent = onSent
	s.onFailed = onFailed
	return s
}

// Resolve picks the payload variant allowed at now.
func (s *Sender) Resolve(ctx context.Context, item *model.QueueItem, now time.Time) (model.Payload, error) {
	p := item.Outbound()
	if !p.IsFreeForm() {
		if !p.HasTemplate() {
			return model.Payload{}, errors.New("empty payload")
		}
		return p, nil
	}

	ok, err := s.sessions.CanSendFreeForm(ctx, item.Recipient, now)
	if err != nil {
		return model.Payload{}, err
	}
	if ok {
		return p, nil
	}
	if p.HasTemplate() {
		return p.AsTemplate(), nil
	}
	return model.Payload{}, ErrTemplateRequired
}

// Deliver makes one attempt. The returned error is the raw cause so callers
// can classify it; the result carries the status to record.
func (s *Sender) Deliver(ctx context.Context, item *model.QueueItem, now time.Time) (model.DeliveryResult, error) {
	if !item.ExistsChecked {
		exists, err := s.transport.Exists(ctx, item.Recipient)
		if err != nil {
			return s.fail(ctx, item, model.Failed, fmt.Errorf("check recipient: %w", err))
		}
		if !exists {
			return s.fail(ctx, item, model.Rejected, ErrNotOnPlatform)
		}
		item.ExistsChecked = true
	}

	payload, err := s.Resolve(ctx, item, now)
	if errors.Is(err, ErrTemplateRequired) {
		return s.fail(ctx, item, model.Rejected, err)
	}
	if err != nil {
		return s.fail(ctx, item, model.Failed, err)
	}

	remoteID, err := s.transport.Send(ctx, item.Recipient, payload)
	if err != nil {
		return s.fail(ctx, item, model.Failed, err)
	}

	// the message is out; session bookkeeping failures must not turn it into a retry
	_ = s.sessions.RecordOutbound(ctx, item.Recipient, now)

	if s.onSent != nil {
		_ = s.onSent(ctx, item, remoteID, now)
	}
	return model.DeliveryResult{Status: model.Sent, RemoteID: remoteID}, nil
}

func (s *Sender) fail(ctx context.Context, item *model.QueueItem, status model.Status, err error) (model.DeliveryResult, error) {
	if s.onFailed != nil {
		_ = s.onFailed(ctx, item, err.Error())
	}
	return model.DeliveryResult{Status: status, Err: err.Error()}, err
}
