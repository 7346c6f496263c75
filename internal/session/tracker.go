package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

const DefaultHorizon = 24 * time.Hour

// Tracker answers whether a conversation is inside its customer-service
// window. Nothing is timer driven: expiry is evaluated when asked.
type Tracker struct {
	store   Store
	horizon time.Duration

	// serializes read-modify-write on the store
	mu sync.Mutex
}

func NewTracker(store Store, horizon time.Duration) *Tracker {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Tracker{store: store, horizon: horizon}
}

func (t *Tracker) Horizon() time.Duration {
	return t.horizon
}

// RecordInbound opens the window or extends it.
func (t *Tracker) RecordInbound(ctx context.Context, conversation string, at time.Time) (model.ConversationSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(ctx, conversation)
	if errors.Is(err, ErrNotFound) {
		s = model.ConversationSession{
			Conversation: conversation,
			StartedAt:    at,
			Initiator:    model.InitiatedByCustomer,
		}
	} else if err != nil {
		return model.ConversationSession{}, err
	}

	if at.After(s.LastInboundAt) {
		s.LastInboundAt = at
	}
	if err := t.store.Save(ctx, s); err != nil {
		return model.ConversationSession{}, fmt.Errorf("save session %s: %w", conversation, err)
	}
	return s, nil
}

// RecordOutbound creates a business-initiated session on first contact. An
// existing window is left untouched.
func (t *Tracker) RecordOutbound(ctx context.Context, conversation string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.lookup(ctx, conversation)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	s := model.ConversationSession{
		Conversation: conversation,
		StartedAt:    at,
		Initiator:    model.InitiatedByBusiness,
	}
	if err := t.store.Save(ctx, s); err != nil {
		return fmt.Errorf("save session %s: %w", conversation, err)
	}
	return nil
}

// CanSendFreeForm is true for a conversation with no session yet (first
// contact) and for one whose window is still open.
func (t *Tracker) CanSendFreeForm(ctx context.Context, conversation string, now time.Time) (bool, error) {
	s, err := t.lookup(ctx, conversation)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return s.WindowOpen(now, t.horizon), nil
}

// ReplyWindowOpen is true only while a customer message is younger than the
// horizon.
func (t *Tracker) ReplyWindowOpen(ctx context.Context, conversation string, now time.Time) (bool, error) {
	s, err := t.lookup(ctx, conversation)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.ReplyWindowOpen(now, t.horizon), nil
}

func (t *Tracker) Get(ctx context.Context, conversation string) (model.ConversationSession, error) {
	return t.lookup(ctx, conversation)
}

func (t *Tracker) lookup(ctx context.Context, conversation string) (model.ConversationSession, error) {
	s, err := t.store.Get(ctx, conversation)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.ConversationSession{}, ErrNotFound
		}
		return model.ConversationSession{}, fmt.Errorf("load session %s: %w", conversation, err)
	}
	return s, nil
}
