// Package history records call outcomes for the marketplace dashboard. It is
// best-effort: a failed insert is logged and forgotten, never surfaced into
// the call itself.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Record is one call's row.
type Record struct {
	SessionKey  string     `db:"session_key"`
	CallerID    string     `db:"caller_id"`
	ReceiverID  string     `db:"receiver_id"`
	ContextID   string     `db:"context_id"`
	StartedAt   time.Time  `db:"started_at"`
	ConnectedAt *time.Time `db:"connected_at"`
	EndedAt     *time.Time `db:"ended_at"`
	EndedBy     string     `db:"ended_by"`
	EndReason   string     `db:"end_reason"`
}

// Recorder persists call lifecycle milestones.
type Recorder interface {
	Started(ctx context.Context, rec Record) error
	Connected(ctx context.Context, sessionKey string, at time.Time) error
	Finished(ctx context.Context, sessionKey string, endedAt time.Time, endedBy, reason string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id           BIGSERIAL PRIMARY KEY,
	session_key  TEXT        NOT NULL,
	caller_id    TEXT        NOT NULL,
	receiver_id  TEXT        NOT NULL,
	context_id   TEXT        NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	connected_at TIMESTAMPTZ,
	ended_at     TIMESTAMPTZ,
	ended_by     TEXT        NOT NULL DEFAULT '',
	end_reason   TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS call_history_session_key_idx ON call_history (session_key);
`

// PostgresRecorder stores call history in Postgres.
type PostgresRecorder struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewPostgresRecorder connects and ensures the schema exists.
func NewPostgresRecorder(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to call history database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure call history schema: %w", err)
	}
	return &PostgresRecorder{db: db, log: logger.Named("history")}, nil
}

func (r *PostgresRecorder) Started(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO call_history (session_key, caller_id, receiver_id, context_id, started_at)
		VALUES (:session_key, :caller_id, :receiver_id, :context_id, :started_at)`
	if _, err := r.db.NamedExecContext(ctx, q, rec); err != nil {
		return fmt.Errorf("failed to record call start: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Connected(ctx context.Context, sessionKey string, at time.Time) error {
	const q = `
		UPDATE call_history SET connected_at = $2
		WHERE id = (
			SELECT id FROM call_history
			WHERE session_key = $1 AND ended_at IS NULL
			ORDER BY started_at DESC LIMIT 1
		)`
	if _, err := r.db.ExecContext(ctx, q, sessionKey, at); err != nil {
		return fmt.Errorf("failed to record call connect: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Finished(ctx context.Context, sessionKey string, endedAt time.Time, endedBy, reason string) error {
	const q = `
		UPDATE call_history SET ended_at = $2, ended_by = $3, end_reason = $4
		WHERE id = (
			SELECT id FROM call_history
			WHERE session_key = $1 AND ended_at IS NULL
			ORDER BY started_at DESC LIMIT 1
		)`
	if _, err := r.db.ExecContext(ctx, q, sessionKey, endedAt, endedBy, reason); err != nil {
		return fmt.Errorf("failed to record call end: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (r *PostgresRecorder) Close() error { return r.db.Close() }

// NopRecorder discards history; used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) Started(context.Context, Record) error { return nil }
func (NopRecorder) Connected(context.Context, string, time.Time) error {
	return nil
}
func (NopRecorder) Finished(context.Context, string, time.Time, string, string) error {
	return nil
}
