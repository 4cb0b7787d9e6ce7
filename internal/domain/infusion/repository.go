package infusion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/opchart/go-dripline/internal/infrastructure/postgres"
)

// Repository is the PostgreSQL Store. Every mutation commits in one
// transaction together with its outbox row, so the relay publishes exactly
// the changes that actually happened. The unique index on (swimlane_id, at)
// enforces the collision invariant at the storage layer.
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a postgres store. Outbox rows are written for the
// given change topic.
func NewRepository(pool *pgxpool.Pool, changeTopic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: changeTopic, logger: logger}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// writeChange appends the outbox row for a committed mutation. Runs in the
// mutation's transaction.
func (r *Repository) writeChange(ctx context.Context, tx pgx.Tx, ch *Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.Entry{
		RecordID: ch.RecordID,
		Entity:   string(ch.Entity),
		EntityID: ch.EntityID,
		Action:   string(ch.Action),
		Payload:  payload,
		Topic:    r.topic,
		Key:      ch.RecordID,
	})
}

func (r *Repository) laneRecord(ctx context.Context, tx pgx.Tx, swimlaneID string) (string, error) {
	var recordID string
	err := tx.QueryRow(ctx, "SELECT record_id FROM chart_swimlanes WHERE id = $1", swimlaneID).Scan(&recordID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &NotFoundError{Kind: "swimlane", ID: swimlaneID}
	}
	if err != nil {
		return "", fmt.Errorf("resolve swimlane record: %w", err)
	}
	return recordID, nil
}

// UpsertSwimlane mirrors lane configuration pushed by the admin
// collaborator.
func (r *Repository) UpsertSwimlane(ctx context.Context, lane *Swimlane) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO chart_swimlanes (id, record_id, label, unit, mode, rate_presets, default_dose, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			record_id = EXCLUDED.record_id,
			label = EXCLUDED.label,
			unit = EXCLUDED.unit,
			mode = EXCLUDED.mode,
			rate_presets = EXCLUDED.rate_presets,
			default_dose = EXCLUDED.default_dose,
			updated_at = NOW()
	`
	presets := lane.RatePresets
	if presets == nil {
		presets = []string{}
	}
	if _, err := tx.Exec(ctx, query, lane.ID, lane.RecordID, lane.Label, lane.Unit, string(lane.Mode), presets, lane.DefaultDose); err != nil {
		return fmt.Errorf("upsert swimlane: %w", err)
	}
	if err := r.writeChange(ctx, tx, NewChange(lane.RecordID, lane.ID, EntitySwimlane, lane.ID, ActionUpdated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const swimlaneColumns = "id, record_id, label, unit, mode, rate_presets, default_dose"

func scanSwimlane(row pgx.Row) (*Swimlane, error) {
	lane := &Swimlane{}
	var mode string
	if err := row.Scan(&lane.ID, &lane.RecordID, &lane.Label, &lane.Unit, &mode, &lane.RatePresets, &lane.DefaultDose); err != nil {
		return nil, err
	}
	lane.Mode = Mode(mode)
	return lane, nil
}

// Swimlane returns the lane with the given id.
func (r *Repository) Swimlane(ctx context.Context, id string) (*Swimlane, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+swimlaneColumns+" FROM chart_swimlanes WHERE id = $1", id)
	lane, err := scanSwimlane(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Kind: "swimlane", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("select swimlane: %w", err)
	}
	return lane, nil
}

// SwimlanesByRecord returns a record's lanes ordered by label then id.
func (r *Repository) SwimlanesByRecord(ctx context.Context, recordID string) ([]*Swimlane, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+swimlaneColumns+" FROM chart_swimlanes WHERE record_id = $1 ORDER BY label, id", recordID)
	if err != nil {
		return nil, fmt.Errorf("select swimlanes: %w", err)
	}
	defer rows.Close()

	var lanes []*Swimlane
	for rows.Next() {
		lane, err := scanSwimlane(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swimlane: %w", err)
		}
		lanes = append(lanes, lane)
	}
	return lanes, rows.Err()
}

// AppendRateEvent adds a marker to a swimlane's log. The unique index turns
// a timestamp collision into TimestampCollisionError before anything
// commits.
func (r *Repository) AppendRateEvent(ctx context.Context, e *RateEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	recordID, err := r.laneRecord(ctx, tx, e.SwimlaneID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO chart_rate_events (id, swimlane_id, at, kind, rate)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, query, e.ID, e.SwimlaneID, e.At, string(e.Kind), e.Rate).Scan(&e.UpdatedAt)
	if isUniqueViolation(err) {
		return &TimestampCollisionError{SwimlaneID: e.SwimlaneID, At: e.At}
	}
	if err != nil {
		return fmt.Errorf("insert rate event: %w", err)
	}
	if err := r.writeChange(ctx, tx, NewChange(recordID, e.SwimlaneID, EntityRateEvent, e.ID, ActionCreated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const rateEventColumns = "id, swimlane_id, at, kind, rate, updated_at"

func scanRateEvent(row pgx.Row) (*RateEvent, error) {
	e := &RateEvent{}
	var kind string
	if err := row.Scan(&e.ID, &e.SwimlaneID, &e.At, &kind, &e.Rate, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Kind = EventKind(kind)
	return e, nil
}

// RateEvent returns the event with the given id.
func (r *Repository) RateEvent(ctx context.Context, id string) (*RateEvent, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+rateEventColumns+" FROM chart_rate_events WHERE id = $1", id)
	e, err := scanRateEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Kind: "rate event", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("select rate event: %w", err)
	}
	return e, nil
}

// UpdateRateEvent replaces an event in place, keeping the collision
// invariant.
func (r *Repository) UpdateRateEvent(ctx context.Context, e *RateEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE chart_rate_events
		SET at = $2, kind = $3, rate = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING swimlane_id, updated_at
	`
	err = tx.QueryRow(ctx, query, e.ID, e.At, string(e.Kind), e.Rate).Scan(&e.SwimlaneID, &e.UpdatedAt)
	if isUniqueViolation(err) {
		return &TimestampCollisionError{SwimlaneID: e.SwimlaneID, At: e.At}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: "rate event", ID: e.ID}
	}
	if err != nil {
		return fmt.Errorf("update rate event: %w", err)
	}

	recordID, err := r.laneRecord(ctx, tx, e.SwimlaneID)
	if err != nil {
		return err
	}
	if err := r.writeChange(ctx, tx, NewChange(recordID, e.SwimlaneID, EntityRateEvent, e.ID, ActionUpdated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RemoveRateEvent deletes an event from the log.
func (r *Repository) RemoveRateEvent(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var swimlaneID string
	err = tx.QueryRow(ctx, "DELETE FROM chart_rate_events WHERE id = $1 RETURNING swimlane_id", id).Scan(&swimlaneID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: "rate event", ID: id}
	}
	if err != nil {
		return fmt.Errorf("delete rate event: %w", err)
	}

	recordID, err := r.laneRecord(ctx, tx, swimlaneID)
	if err != nil {
		return err
	}
	if err := r.writeChange(ctx, tx, NewChange(recordID, swimlaneID, EntityRateEvent, id, ActionDeleted)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RateEvents returns a swimlane's log sorted ascending by timestamp.
func (r *Repository) RateEvents(ctx context.Context, swimlaneID string) ([]*RateEvent, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+rateEventColumns+" FROM chart_rate_events WHERE swimlane_id = $1 ORDER BY at ASC", swimlaneID)
	if err != nil {
		return nil, fmt.Errorf("select rate events: %w", err)
	}
	defer rows.Close()

	var events []*RateEvent
	for rows.Next() {
		e, err := scanRateEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertSession adds a free-flow session.
func (r *Repository) InsertSession(ctx context.Context, s *FreeFlowSession) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	recordID, err := r.laneRecord(ctx, tx, s.SwimlaneID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO chart_freeflow_sessions (id, swimlane_id, started_at, stopped_at, dose, label)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, query, s.ID, s.SwimlaneID, s.StartedAt, s.StoppedAt, s.Dose, s.Label).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if err := r.writeChange(ctx, tx, NewChange(recordID, s.SwimlaneID, EntitySession, s.ID, ActionCreated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const sessionColumns = "id, swimlane_id, started_at, stopped_at, dose, label, updated_at"

func scanSession(row pgx.Row) (*FreeFlowSession, error) {
	s := &FreeFlowSession{}
	if err := row.Scan(&s.ID, &s.SwimlaneID, &s.StartedAt, &s.StoppedAt, &s.Dose, &s.Label, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return s, nil
}

// Session returns the session with the given id.
func (r *Repository) Session(ctx context.Context, id string) (*FreeFlowSession, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM chart_freeflow_sessions WHERE id = $1", id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Kind: "freeflow session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return s, nil
}

// UpdateSession replaces a session in place.
func (r *Repository) UpdateSession(ctx context.Context, s *FreeFlowSession) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE chart_freeflow_sessions
		SET started_at = $2, stopped_at = $3, dose = $4, label = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING swimlane_id, updated_at
	`
	err = tx.QueryRow(ctx, query, s.ID, s.StartedAt, s.StoppedAt, s.Dose, s.Label).Scan(&s.SwimlaneID, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: "freeflow session", ID: s.ID}
	}
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	recordID, err := r.laneRecord(ctx, tx, s.SwimlaneID)
	if err != nil {
		return err
	}
	if err := r.writeChange(ctx, tx, NewChange(recordID, s.SwimlaneID, EntitySession, s.ID, ActionUpdated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RemoveSession deletes a session entirely.
func (r *Repository) RemoveSession(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var swimlaneID string
	err = tx.QueryRow(ctx, "DELETE FROM chart_freeflow_sessions WHERE id = $1 RETURNING swimlane_id", id).Scan(&swimlaneID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: "freeflow session", ID: id}
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	recordID, err := r.laneRecord(ctx, tx, swimlaneID)
	if err != nil {
		return err
	}
	if err := r.writeChange(ctx, tx, NewChange(recordID, swimlaneID, EntitySession, id, ActionDeleted)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Sessions returns a swimlane's sessions ordered by start time then id.
func (r *Repository) Sessions(ctx context.Context, swimlaneID string) ([]*FreeFlowSession, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+sessionColumns+" FROM chart_freeflow_sessions WHERE swimlane_id = $1 ORDER BY started_at, id", swimlaneID)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*FreeFlowSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// InsertDose adds a bolus entry.
func (r *Repository) InsertDose(ctx context.Context, d *DoseEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	recordID, err := r.laneRecord(ctx, tx, d.SwimlaneID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO chart_dose_events (id, swimlane_id, at, dose, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, query, d.ID, d.SwimlaneID, d.At, d.Dose, d.Note).Scan(&d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dose: %w", err)
	}
	if err := r.writeChange(ctx, tx, NewChange(recordID, d.SwimlaneID, EntityDose, d.ID, ActionCreated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const doseColumns = "id, swimlane_id, at, dose, note, updated_at"

func scanDose(row pgx.Row) (*DoseEvent, error) {
	d := &DoseEvent{}
	if err := row.Scan(&d.ID, &d.SwimlaneID, &d.At, &d.Dose, &d.Note, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return d, nil
}

// Dose returns the bolus entry with the given id.
func (r *Repository) Dose(ctx context.Context, id string) (*DoseEvent, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+doseColumns+" FROM chart_dose_events WHERE id = $1", id)
	d, err := scanDose(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Kind: "dose event", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("select dose: %w", err)
	}
	return d, nil
}

// UpdateDose replaces a bolus entry in place.
func (r *Repository) UpdateDose(ctx context.Context, d *DoseEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE chart_dose_events
		SET at = $2, dose = $3, note = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING swimlane_id, updated_at
	`
	err = tx.QueryRow(ctx, query, d.ID, d.At, d.Dose, d.Note).Scan(&d.SwimlaneID, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: "dose event", ID: d.ID}
	}
	if err != nil {
		return fmt.Errorf("update dose: %w", err)
	}

	recordID, err := r.laneRecord(ctx, tx, d.SwimlaneID)
	if err != nil {
		return err
	}
	if err := r.writeChange(ctx, tx, NewChange(recordID, d.SwimlaneID, EntityDose, d.ID, ActionUpdated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RemoveDose deletes a bolus entry.
func (r *Repository) RemoveDose(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var swimlaneID string
	err = tx.QueryRow(ctx, "DELETE FROM chart_dose_events WHERE id = $1 RETURNING swimlane_id", id).Scan(&swimlaneID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: "dose event", ID: id}
	}
	if err != nil {
		return fmt.Errorf("delete dose: %w", err)
	}

	recordID, err := r.laneRecord(ctx, tx, swimlaneID)
	if err != nil {
		return err
	}
	if err := r.writeChange(ctx, tx, NewChange(recordID, swimlaneID, EntityDose, id, ActionDeleted)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Doses returns a swimlane's bolus entries ordered by timestamp then id.
func (r *Repository) Doses(ctx context.Context, swimlaneID string) ([]*DoseEvent, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+doseColumns+" FROM chart_dose_events WHERE swimlane_id = $1 ORDER BY at, id", swimlaneID)
	if err != nil {
		return nil, fmt.Errorf("select doses: %w", err)
	}
	defer rows.Close()

	var doses []*DoseEvent
	for rows.Next() {
		d, err := scanDose(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dose: %w", err)
		}
		doses = append(doses, d)
	}
	return doses, rows.Err()
}
