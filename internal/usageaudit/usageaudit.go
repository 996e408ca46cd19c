// Package usageaudit records every model-resolution decision the Agent
// Manager makes into an append-only Postgres ledger, for later billing or
// anomaly review. It is additive and optional (spec §1 carries no
// requirement for it) — when internal/config.PostgresConfig.Enabled is
// false, Connect returns a nil *Ledger and every Record call becomes a
// no-op.
//
// Grounded on the teacher's usage of pgx-style structured logging around
// database calls (internal/task/repository exercises its store through
// structured-log-wrapped calls); this package is the pack's one consumer of
// jackc/pgx/v5, since no example repo used Postgres for exactly this shape
// of audit table.
package usageaudit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/config"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS model_resolution_audit (
	id          BIGSERIAL PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	model       TEXT NOT NULL,
	base_url    TEXT NOT NULL,
	resolved_at TIMESTAMPTZ NOT NULL
)`

// Entry is one resolveModelSettings call worth recording.
type Entry struct {
	AgentID    string
	Model      string
	BaseURL    string
	ResolvedAt time.Time
}

// Ledger appends Entry rows to Postgres. A nil *Ledger is a valid, inert
// value — every method is a no-op on it — so callers never need a separate
// "is audit enabled" branch.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// Connect opens the pool and ensures the audit table exists. Returns nil,
// nil when cfg.Enabled is false.
func Connect(ctx context.Context, cfg config.PostgresConfig, log *logger.Logger) (*Ledger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = logger.Default()
	}

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("usage audit ledger connected", zap.String("db", cfg.DBName))
	return &Ledger{pool: pool, logger: log.WithFields(zap.String("component", "usage-audit"))}, nil
}

// Record appends one entry. Failures are logged, not propagated — an audit
// write must never fail the request path that triggered it.
func (l *Ledger) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO model_resolution_audit (agent_id, model, base_url, resolved_at) VALUES ($1, $2, $3, $4)`,
		e.AgentID, e.Model, e.BaseURL, e.ResolvedAt)
	if err != nil {
		l.logger.Warn("failed to record usage audit entry", zap.String("agent_id", e.AgentID), zap.Error(err))
	}
}

// Close releases the pool.
func (l *Ledger) Close() {
	if l == nil {
		return
	}
	l.pool.Close()
}
