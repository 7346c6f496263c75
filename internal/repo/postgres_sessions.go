package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
	"github.com/ezyindustries/aplikasi-umroh-crm/internal/session"
)

// PostgresSessionStore persists conversation timestamps only. Whether a
// window is open is always computed from them.
type PostgresSessionStore struct {
	db *sql.DB
}

var _ session.Store = (*PostgresSessionStore)(nil)

func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

func (s *PostgresSessionStore) Get(ctx context.Context, conversation string) (model.ConversationSession, error) {
	cs := model.ConversationSession{Conversation: conversation}
	var lastInbound sql.NullTime
	var initiator string

	err := s.db.QueryRowContext(ctx, `
		SELECT last_inbound_at, started_at, initiator
		FROM conversation_sessions
		WHERE conversation = $1
	`, conversation).Scan(&lastInbound, &cs.StartedAt, &initiator)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConversationSession{}, session.ErrNotFound
	}
	if err != nil {
		return model.ConversationSession{}, err
	}

	if lastInbound.Valid {
		cs.LastInboundAt = lastInbound.Time
	}
	cs.Initiator = model.Initiator(initiator)
	return cs, nil
}

func (s *PostgresSessionStore) Save(ctx context.Context, cs model.ConversationSession) error {
	var lastInbound sql.NullTime
	if !cs.LastInboundAt.IsZero() {
		lastInbound = sql.NullTime{Time: cs.LastInboundAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_sessions (conversation, last_inbound_at, started_at, initiator)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation) DO UPDATE
		SET last_inbound_at = EXCLUDED.last_inbound_at,
		    started_at = EXCLUDED.started_at,
		    initiator = EXCLUDED.initiator
	`, cs.Conversation, lastInbound, cs.StartedAt.UTC(), string(cs.Initiator))
	return err
}
