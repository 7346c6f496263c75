package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

// Schema is applied by Migrate. The outcome log is append-only.
const Schema = `
CREATE TABLE IF NOT EXISTS delivery_outcomes (
	id          BIGSERIAL PRIMARY KEY,
	item_id     TEXT        NOT NULL,
	recipient   TEXT        NOT NULL,
	summary     TEXT        NOT NULL DEFAULT '',
	status      TEXT        NOT NULL,
	remote_id   TEXT,
	last_error  TEXT,
	attempts    INT         NOT NULL DEFAULT 0,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS delivery_outcomes_recorded_at_idx ON delivery_outcomes (recorded_at DESC);

CREATE TABLE IF NOT EXISTS delivery_failures (
	id        BIGSERIAL PRIMARY KEY,
	item_id   TEXT        NOT NULL,
	recipient TEXT        NOT NULL,
	summary   TEXT        NOT NULL DEFAULT '',
	error     TEXT        NOT NULL,
	attempts  INT         NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recipients (
	recipient        TEXT PRIMARY KEY,
	opted_in         BOOLEAN     NOT NULL DEFAULT false,
	blocked          BOOLEAN     NOT NULL DEFAULT false,
	last_activity_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS conversation_sessions (
	conversation    TEXT PRIMARY KEY,
	last_inbound_at TIMESTAMPTZ,
	started_at      TIMESTAMPTZ NOT NULL,
	initiator       TEXT        NOT NULL
);
`

func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

type PostgresOutcomeRepo struct {
	db *sql.DB
}

func NewPostgresOutcomeRepo(db *sql.DB) *PostgresOutcomeRepo {
	return &PostgresOutcomeRepo{db: db}
}

func (r *PostgresOutcomeRepo) AppendOutcome(ctx context.Context, o model.Outcome) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_outcomes
			(item_id, recipient, summary, status, remote_id, last_error, attempts, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ItemID, o.Recipient, o.Summary, string(o.Status), nullString(o.RemoteID), nullString(o.Error), o.Attempts, o.At.UTC())
	return err
}

func (r *PostgresOutcomeRepo) RecordFailure(ctx context.Context, f model.FailureRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_failures
			(item_id, recipient, summary, error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, f.ItemID, f.Recipient, f.Summary, f.Error, f.Attempts, f.FailedAt.UTC())
	return err
}

func (r *PostgresOutcomeRepo) ListOutcomes(ctx context.Context, limit, offset int) ([]model.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT item_id, recipient, summary, status, remote_id, last_error, attempts, recorded_at
		FROM delivery_outcomes
		ORDER BY recorded_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var status string
		var remoteID, lastErr sql.NullString

		if err := rows.Scan(
			&o.ItemID,
			&o.Recipient,
			&o.Summary,
			&status,
			&remoteID,
			&lastErr,
			&o.Attempts,
			&o.At,
		); err != nil {
			return nil, err
		}

		o.Status = model.Status(status)
		o.RemoteID = remoteID.String
		o.Error = lastErr.String
		out = append(out, o)
	}
	return out, rows.Err()
}

type PostgresRecipientDirectory struct {
	db *sql.DB
}

func NewPostgresRecipientDirectory(db *sql.DB) *PostgresRecipientDirectory {
	return &PostgresRecipientDirectory{db: db}
}

// Status returns a zero status for recipients the CRM has no row for.
func (d *PostgresRecipientDirectory) Status(ctx context.Context, recipient string) (model.RecipientStatus, error) {
	st := model.RecipientStatus{Recipient: recipient}
	var lastActivity sql.NullTime

	err := d.db.QueryRowContext(ctx, `
		SELECT opted_in, blocked, last_activity_at
		FROM recipients
		WHERE recipient = $1
	`, recipient).Scan(&st.OptedIn, &st.Blocked, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return model.RecipientStatus{}, err
	}

	if lastActivity.Valid {
		st.LastActivityAt = lastActivity.Time
	}
	return st, nil
}

// Touch records customer activity, e.g. on an inbound message.
func (d *PostgresRecipientDirectory) Touch(ctx context.Context, recipient string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO recipients (recipient, last_activity_at)
		VALUES ($1, $2)
		ON CONFLICT (recipient) DO UPDATE SET last_activity_at = EXCLUDED.last_activity_at
	`, recipient, at.UTC())
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
