// Package audit records who changed which chart entry and when. Clinical
// documentation is evidence; the trail keeps every mutation attributable
// even after the entry itself has been edited or deleted.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Entry is one attributable mutation. ReadAt is the client's last-read
// timestamp when it issued the command; Stale marks entries where another
// device had committed in between.
type Entry struct {
	ID       int64           `json:"id"`
	RecordID string          `json:"record_id"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id"`
	Action   string          `json:"action"`
	Actor    string          `json:"actor"`
	At       time.Time       `json:"at"`
	ReadAt   *time.Time      `json:"read_at,omitempty"`
	Stale    bool            `json:"stale"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// Config holds audit trail configuration.
type Config struct {
	// Retention is how long entries are kept.
	Retention time.Duration
	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration
}

// DefaultConfig returns retention defaults. Ninety days covers the
// documentation review cycle at every site we know of.
func DefaultConfig() Config {
	return Config{
		Retention:     90 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// Trail writes and queries the audit table.
type Trail struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	// Control for the sweeper goroutine
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTrail creates an audit trail writer.
func NewTrail(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trail{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("dripline.audit"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Record appends an entry. Failures are returned but charting must not be
// blocked on them; callers log and continue.
func (t *Trail) Record(ctx context.Context, e *Entry) error {
	ctx, span := t.tracer.Start(ctx, "audit.record",
		trace.WithAttributes(
			attribute.String("record_id", e.RecordID),
			attribute.String("entity", e.Entity),
			attribute.String("action", e.Action),
		))
	defer span.End()

	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	query := `
		INSERT INTO chart_audit_trail (record_id, entity, entity_id, action, actor, at, read_at, stale, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := t.pool.QueryRow(ctx, query,
		e.RecordID, e.Entity, e.EntityID, e.Action, e.Actor, e.At, e.ReadAt, e.Stale, e.Detail,
	).Scan(&e.ID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

const entryColumns = "id, record_id, entity, entity_id, action, actor, at, read_at, stale, detail"

// RecentByRecord returns a record's latest entries, newest first.
func (t *Trail) RecentByRecord(ctx context.Context, recordID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + entryColumns + ` FROM chart_audit_trail
		WHERE record_id = $1 ORDER BY at DESC, id DESC LIMIT $2`
	rows, err := t.pool.Query(ctx, query, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("select audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Entity, &e.EntityID, &e.Action, &e.Actor, &e.At, &e.ReadAt, &e.Stale, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StaleEdits returns entries within the window where the author had read
// state that was already superseded. Review queues are built from this.
func (t *Trail) StaleEdits(ctx context.Context, recordID string, window time.Duration) ([]*Entry, error) {
	query := "SELECT " + entryColumns + ` FROM chart_audit_trail
		WHERE record_id = $1 AND stale AND at > NOW() - $2::interval
		ORDER BY at DESC, id DESC`
	rows, err := t.pool.Query(ctx, query, recordID, window.String())
	if err != nil {
		return nil, fmt.Errorf("select stale edits: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Entity, &e.EntityID, &e.Action, &e.Actor, &e.At, &e.ReadAt, &e.Stale, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan stale edit: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StartSweeper starts the background retention sweeper.
func (t *Trail) StartSweeper() {
	go t.sweepLoop()
	t.logger.Info("audit sweeper started",
		zap.Duration("interval", t.config.SweepInterval),
		zap.Duration("retention", t.config.Retention))
}

// Stop stops the sweeper.
func (t *Trail) Stop() {
	t.cancel()
	<-t.done
	t.logger.Info("audit trail stopped")
}

func (t *Trail) sweepLoop() {
	defer close(t.done)

	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.sweep(t.ctx); err != nil {
				t.logger.Error("audit sweep failed", zap.Error(err))
			}
		}
	}
}

func (t *Trail) sweep(ctx context.Context) error {
	result, err := t.pool.Exec(ctx,
		`DELETE FROM chart_audit_trail WHERE at < NOW() - $1::interval`,
		t.config.Retention.String())
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		t.logger.Info("audit sweep completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}

// Stats summarizes trail volume.
type Stats struct {
	TotalEntries int64
	StaleEntries int64
}

// GetStats returns current trail statistics.
func (t *Trail) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := t.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE stale)
		FROM chart_audit_trail
	`).Scan(&stats.TotalEntries, &stats.StaleEntries)
	if err != nil {
		return nil, fmt.Errorf("select audit stats: %w", err)
	}
	return stats, nil
}
