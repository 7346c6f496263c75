package session

import (
	"context"
	"errors"
	"sync"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

var ErrNotFound = errors.New("session not found")

// Store persists one ConversationSession per conversation.
type Store interface {
	Get(ctx context.Context, conversation string) (model.ConversationSession, error)
	Save(ctx context.Context, s model.ConversationSession) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.ConversationSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]model.ConversationSession)}
}

func (m *MemoryStore) Get(ctx context.Context, conversation string) (model.ConversationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[conversation]
	if !ok {
		return model.ConversationSession{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Save(ctx context.Context, s model.ConversationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.Conversation] = s
	return nil
}
