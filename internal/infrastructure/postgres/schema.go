package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// schemaStatements is applied in order on startup. Statements are
// idempotent; there is no down path, corrections ship as new statements.
//
// Ids are TEXT throughout: swimlane and record ids originate in the admin
// and registry collaborators and are not guaranteed to be UUIDs.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chart_swimlanes (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		label TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL CHECK (mode IN ('rate', 'freeflow', 'bolus')),
		rate_presets TEXT[] NOT NULL DEFAULT '{}',
		default_dose TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chart_swimlanes_record ON chart_swimlanes (record_id)`,

	`CREATE TABLE IF NOT EXISTS chart_rate_events (
		id TEXT PRIMARY KEY,
		swimlane_id TEXT NOT NULL REFERENCES chart_swimlanes (id) ON DELETE CASCADE,
		at TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('start', 'stop')),
		rate TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT chart_rate_events_lane_at UNIQUE (swimlane_id, at)
	)`,

	`CREATE TABLE IF NOT EXISTS chart_freeflow_sessions (
		id TEXT PRIMARY KEY,
		swimlane_id TEXT NOT NULL REFERENCES chart_swimlanes (id) ON DELETE CASCADE,
		started_at TIMESTAMPTZ NOT NULL,
		stopped_at TIMESTAMPTZ,
		dose TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chart_sessions_lane ON chart_freeflow_sessions (swimlane_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS chart_dose_events (
		id TEXT PRIMARY KEY,
		swimlane_id TEXT NOT NULL REFERENCES chart_swimlanes (id) ON DELETE CASCADE,
		at TIMESTAMPTZ NOT NULL,
		dose TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chart_doses_lane ON chart_dose_events (swimlane_id, at)`,

	`CREATE TABLE IF NOT EXISTS chart_outbox (
		id BIGSERIAL PRIMARY KEY,
		record_id TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		payload JSONB NOT NULL,
		topic TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		retry_count INT NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chart_outbox_pending ON chart_outbox (created_at) WHERE processed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS chart_audit_trail (
		id BIGSERIAL PRIMARY KEY,
		record_id TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		read_at TIMESTAMPTZ,
		stale BOOLEAN NOT NULL DEFAULT FALSE,
		detail JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chart_audit_record ON chart_audit_trail (record_id, at)`,
	`CREATE INDEX IF NOT EXISTS idx_chart_audit_entity ON chart_audit_trail (entity, entity_id, at)`,
}

// Migrate applies the chart schema. Safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	logger.Info("chart schema applied", zap.Int("statements", len(schemaStatements)))
	return nil
}
