// Package sqlite persists chart state for the standalone deployment mode,
// where a single binary runs without postgres or a broker.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/opchart/go-dripline/internal/domain/infusion"
)

// Store keeps the working set in memory and snapshots it to a single SQLite
// table as JSON blobs after every successful mutation. Reads are served from
// memory; the file only matters across restarts.
type Store struct {
	*infusion.MemoryStore
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

var _ infusion.Store = (*Store)(nil)

// NewStore opens or creates the database at path and loads any previous
// snapshot into memory.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = "dripline.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS chart_state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{
		MemoryStore: infusion.NewMemoryStore(),
		db:          db,
		path:        path,
		logger:      logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var buckets = []string{"swimlanes", "rate_events", "sessions", "doses"}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM chart_state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	data := &infusion.SnapshotData{}
	loaded := 0
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state row: %w", err)
		}
		var dst any
		switch bucket {
		case "swimlanes":
			dst = &data.Swimlanes
		case "rate_events":
			dst = &data.RateEvents
		case "sessions":
			dst = &data.Sessions
		case "doses":
			dst = &data.Doses
		default:
			continue
		}
		if err := json.Unmarshal(payload, dst); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state rows: %w", err)
	}
	if loaded == 0 {
		return nil
	}
	s.Import(data)
	s.logger.Info("chart state restored",
		zap.String("path", s.path),
		zap.Int("swimlanes", len(data.Swimlanes)),
		zap.Int("rate_events", len(data.RateEvents)))
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.Export()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, bucket := range buckets {
		var payload []byte
		switch bucket {
		case "swimlanes":
			payload, err = json.Marshal(data.Swimlanes)
		case "rate_events":
			payload, err = json.Marshal(data.RateEvents)
		case "sessions":
			payload, err = json.Marshal(data.Sessions)
		case "doses":
			payload, err = json.Marshal(data.Doses)
		}
		if err != nil {
			retErr = fmt.Errorf("encode %s: %w", bucket, err)
			return retErr
		}
		if _, err = tx.Exec(`INSERT INTO chart_state(bucket, payload) VALUES(?, ?)
			ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload`, bucket, payload); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// UpsertSwimlane writes through to memory, then snapshots.
func (s *Store) UpsertSwimlane(ctx context.Context, lane *infusion.Swimlane) error {
	if err := s.MemoryStore.UpsertSwimlane(ctx, lane); err != nil {
		return err
	}
	return s.persist()
}

// AppendRateEvent writes through to memory, then snapshots.
func (s *Store) AppendRateEvent(ctx context.Context, e *infusion.RateEvent) error {
	if err := s.MemoryStore.AppendRateEvent(ctx, e); err != nil {
		return err
	}
	return s.persist()
}

// UpdateRateEvent writes through to memory, then snapshots.
func (s *Store) UpdateRateEvent(ctx context.Context, e *infusion.RateEvent) error {
	if err := s.MemoryStore.UpdateRateEvent(ctx, e); err != nil {
		return err
	}
	return s.persist()
}

// RemoveRateEvent writes through to memory, then snapshots.
func (s *Store) RemoveRateEvent(ctx context.Context, id string) error {
	if err := s.MemoryStore.RemoveRateEvent(ctx, id); err != nil {
		return err
	}
	return s.persist()
}

// InsertSession writes through to memory, then snapshots.
func (s *Store) InsertSession(ctx context.Context, sess *infusion.FreeFlowSession) error {
	if err := s.MemoryStore.InsertSession(ctx, sess); err != nil {
		return err
	}
	return s.persist()
}

// UpdateSession writes through to memory, then snapshots.
func (s *Store) UpdateSession(ctx context.Context, sess *infusion.FreeFlowSession) error {
	if err := s.MemoryStore.UpdateSession(ctx, sess); err != nil {
		return err
	}
	return s.persist()
}

// RemoveSession writes through to memory, then snapshots.
func (s *Store) RemoveSession(ctx context.Context, id string) error {
	if err := s.MemoryStore.RemoveSession(ctx, id); err != nil {
		return err
	}
	return s.persist()
}

// InsertDose writes through to memory, then snapshots.
func (s *Store) InsertDose(ctx context.Context, d *infusion.DoseEvent) error {
	if err := s.MemoryStore.InsertDose(ctx, d); err != nil {
		return err
	}
	return s.persist()
}

// UpdateDose writes through to memory, then snapshots.
func (s *Store) UpdateDose(ctx context.Context, d *infusion.DoseEvent) error {
	if err := s.MemoryStore.UpdateDose(ctx, d); err != nil {
		return err
	}
	return s.persist()
}

// RemoveDose writes through to memory, then snapshots.
func (s *Store) RemoveDose(ctx context.Context, id string) error {
	if err := s.MemoryStore.RemoveDose(ctx, id); err != nil {
		return err
	}
	return s.persist()
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
