package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the call tables
const Schema = `
CREATE TABLE IF NOT EXISTS call_messages (
    id              BIGSERIAL PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    user_id         TEXT NOT NULL DEFAULT '',
    role            TEXT NOT NULL,
    text            TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_messages_conversation ON call_messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS call_usage (
    id               BIGSERIAL PRIMARY KEY,
    call_id          TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    tier             TEXT NOT NULL DEFAULT '',
    duration_seconds DOUBLE PRECISION NOT NULL,
    end_reason       TEXT NOT NULL DEFAULT '',
    metrics          JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_usage_user ON call_usage(user_id, created_at);
`

// DB is the database interface used by Postgres. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a Store backed by PostgreSQL
type Postgres struct {
	db DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a store on db. Call Migrate before first use.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Connect opens a pool for dsn and verifies it with a ping
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the call tables if they do not exist
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SaveMessage inserts one turn
func (p *Postgres) SaveMessage(ctx context.Context, msg Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const query = `
		INSERT INTO call_messages (conversation_id, user_id, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := p.db.Exec(ctx, query, msg.ConversationID, msg.UserID, msg.Role, msg.Text, createdAt); err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

// RecordCallMetrics inserts the usage record of a finished call
func (p *Postgres) RecordCallMetrics(ctx context.Context, rec CallRecord) error {
	metricsJSON, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("store: marshal metrics: %w", err)
	}

	const query = `
		INSERT INTO call_usage (call_id, user_id, tier, duration_seconds, end_reason, metrics)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := p.db.Exec(ctx, query,
		rec.Metrics.CallID, rec.UserID, rec.Tier, rec.DurationSeconds, rec.Metrics.EndReason, metricsJSON,
	); err != nil {
		return fmt.Errorf("store: record call metrics: %w", err)
	}
	return nil
}
