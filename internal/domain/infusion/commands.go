package infusion

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxNudgeAttempts bounds the collision retry loop. Millisecond timestamps
// make collisions vanishingly rare; a run this long means the log was
// imported with bad clocks and the caller should hear about it.
const maxNudgeAttempts = 100

// Service validates and applies dosing commands against a Store and serves
// the derived reads. It holds no state of its own: every read fetches the
// log fresh and derives through the pure functions, so commands and reads
// are safe to run concurrently without locks.
type Service struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a command service over a store.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("dripline.commands"),
		now:    time.Now,
	}
}

// WithClock overrides the default-timestamp source. Writes always accept an
// explicit caller timestamp; the clock only fills in zero values.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// defaultTime fills a zero timestamp with the current clock and normalizes
// to millisecond resolution.
func (s *Service) defaultTime(at time.Time) time.Time {
	if at.IsZero() {
		at = s.now()
	}
	return TruncateMillis(at)
}

func (s *Service) lane(ctx context.Context, swimlaneID string, mode Mode) (*Swimlane, error) {
	lane, err := s.store.Swimlane(ctx, swimlaneID)
	if err != nil {
		return nil, err
	}
	if lane.Mode != mode {
		return nil, &ValidationError{Field: "swimlane", Reason: "is " + string(lane.Mode) + ", expected " + string(mode)}
	}
	return lane, nil
}

// appendNudging appends a marker, retrying a colliding timestamp nudged
// forward one millisecond at a time. Clinicians think in minutes, not
// milliseconds; the nudge never surfaces to them, only the effective
// timestamp does.
func (s *Service) appendNudging(ctx context.Context, e *RateEvent) error {
	requested := e.At
	for attempt := 0; attempt < maxNudgeAttempts; attempt++ {
		err := s.store.AppendRateEvent(ctx, e)
		var collision *TimestampCollisionError
		if errors.As(err, &collision) {
			e.At = e.At.Add(time.Millisecond)
			continue
		}
		if err == nil && attempt > 0 {
			s.logger.Warn("timestamp collision nudged",
				zap.String("swimlane_id", e.SwimlaneID),
				zap.String("event_id", e.ID),
				zap.Time("requested_at", requested),
				zap.Time("effective_at", e.At),
				zap.Int("nudges", attempt))
		}
		return err
	}
	return &TimestampCollisionError{SwimlaneID: e.SwimlaneID, At: e.At}
}

// updateNudging is the edit counterpart of appendNudging.
func (s *Service) updateNudging(ctx context.Context, e *RateEvent) error {
	requested := e.At
	for attempt := 0; attempt < maxNudgeAttempts; attempt++ {
		err := s.store.UpdateRateEvent(ctx, e)
		var collision *TimestampCollisionError
		if errors.As(err, &collision) {
			e.At = e.At.Add(time.Millisecond)
			continue
		}
		if err == nil && attempt > 0 {
			s.logger.Warn("timestamp collision nudged on edit",
				zap.String("swimlane_id", e.SwimlaneID),
				zap.String("event_id", e.ID),
				zap.Time("requested_at", requested),
				zap.Time("effective_at", e.At),
				zap.Int("nudges", attempt))
		}
		return err
	}
	return &TimestampCollisionError{SwimlaneID: e.SwimlaneID, At: e.At}
}

// staleWarning builds the advisory when an entry changed after the caller's
// read. The write still goes through; the advisory is logged for review.
func (s *Service) staleWarning(entity EntityKind, id string, readAt *time.Time, changedAt time.Time) *ConcurrentModificationWarning {
	if readAt == nil || !changedAt.After(*readAt) {
		return nil
	}
	w := &ConcurrentModificationWarning{
		Entity:    entity,
		EntityID:  id,
		ReadAt:    readAt.UTC(),
		ChangedAt: changedAt.UTC(),
	}
	s.logger.Warn("stale read preceded write",
		zap.String("entity", string(entity)),
		zap.String("entity_id", id),
		zap.Time("read_at", w.ReadAt),
		zap.Time("changed_at", w.ChangedAt))
	return w
}

// RecordRateChange appends a start marker at the given time. An empty rate
// is rejected; empty means stop and stops have their own command. A zero at
// defaults to now. The returned event carries the effective timestamp,
// which may have been nudged off a collision.
func (s *Service) RecordRateChange(ctx context.Context, swimlaneID string, at time.Time, rate string) (*RateEvent, error) {
	ctx, span := s.tracer.Start(ctx, "commands.record_rate_change",
		trace.WithAttributes(attribute.String("swimlane.id", swimlaneID)))
	defer span.End()

	if strings.TrimSpace(rate) == "" {
		return nil, &ValidationError{Field: "rate", Reason: "must not be empty on a start"}
	}
	lane, err := s.lane(ctx, swimlaneID, ModeRate)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e := NewStart(lane.ID, s.defaultTime(at), rate)
	if err := s.appendNudging(ctx, e); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("rate change recorded",
		zap.String("swimlane_id", lane.ID),
		zap.String("event_id", e.ID),
		zap.String("rate", e.Rate),
		zap.Time("at", e.At))
	return e, nil
}

// StartNew starts a fresh course on a rate-controlled swimlane. The verb
// exists for the caller's intent; on a rate lane it is the same operation
// as RecordRateChange and shares its code path.
func (s *Service) StartNew(ctx context.Context, swimlaneID string, at time.Time, rate string) (*RateEvent, error) {
	return s.RecordRateChange(ctx, swimlaneID, at, rate)
}

// StopOutcome reports what a Stop command did.
type StopOutcome struct {
	// Event is the stop marker written, nil when the stop was a no-op.
	Event *RateEvent `json:"event,omitempty"`
	// AlreadyStopped is set when derivation reported the channel not
	// running at the requested time and no marker was written.
	AlreadyStopped bool `json:"already_stopped"`
}

// Stop appends a stop marker at the given time. Idempotent: when the
// channel is already stopped at that instant per derivation, nothing is
// written and the outcome says so.
func (s *Service) Stop(ctx context.Context, swimlaneID string, at time.Time) (*StopOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "commands.stop",
		trace.WithAttributes(attribute.String("swimlane.id", swimlaneID)))
	defer span.End()

	lane, err := s.lane(ctx, swimlaneID, ModeRate)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	at = s.defaultTime(at)

	events, err := s.store.RateEvents(ctx, lane.ID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if state := RunningStateAt(events, at); !state.Running {
		s.logger.Info("stop was a no-op, channel already stopped",
			zap.String("swimlane_id", lane.ID),
			zap.Time("at", at))
		return &StopOutcome{AlreadyStopped: true}, nil
	}

	e := NewStop(lane.ID, at)
	if err := s.appendNudging(ctx, e); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("infusion stopped",
		zap.String("swimlane_id", lane.ID),
		zap.String("event_id", e.ID),
		zap.Time("at", e.At))
	return &StopOutcome{Event: e}, nil
}

// RateEventPatch is a partial edit of a rate event. Nil fields stay
// unchanged. ReadAt, when set, is the time the caller last read the event;
// a store row newer than that raises the concurrent-modification advisory.
type RateEventPatch struct {
	At     *time.Time
	Kind   *EventKind
	Rate   *string
	ReadAt *time.Time
}

// EditRateEvent mutates an event in place. No reconciliation follows: state
// is derived fresh on every read, so reordering an event needs no fix-up
// step anywhere. Last writer wins; a stale read yields a non-blocking
// advisory.
func (s *Service) EditRateEvent(ctx context.Context, eventID string, patch RateEventPatch) (*RateEvent, *ConcurrentModificationWarning, error) {
	ctx, span := s.tracer.Start(ctx, "commands.edit_rate_event",
		trace.WithAttributes(attribute.String("event.id", eventID)))
	defer span.End()

	e, err := s.store.RateEvent(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	warn := s.staleWarning(EntityRateEvent, eventID, patch.ReadAt, e.UpdatedAt)

	if patch.At != nil {
		if patch.At.IsZero() {
			return nil, warn, &ValidationError{Field: "at", Reason: "must not be zero"}
		}
		e.At = TruncateMillis(*patch.At)
	}
	if patch.Kind != nil {
		if !patch.Kind.Valid() {
			return nil, warn, &ValidationError{Field: "kind", Reason: "must be start or stop"}
		}
		e.Kind = *patch.Kind
	}
	if patch.Rate != nil {
		e.Rate = *patch.Rate
	}
	if e.Kind == KindStop {
		e.Rate = ""
	}
	if e.Kind == KindStart && strings.TrimSpace(e.Rate) == "" {
		return nil, warn, &ValidationError{Field: "rate", Reason: "must not be empty on a start"}
	}

	if err := s.updateNudging(ctx, e); err != nil {
		span.RecordError(err)
		return nil, warn, err
	}
	s.logger.Info("rate event edited",
		zap.String("swimlane_id", e.SwimlaneID),
		zap.String("event_id", e.ID),
		zap.Time("at", e.At),
		zap.String("kind", string(e.Kind)))
	return e, warn, nil
}

// DeleteRateEvent removes an event from the log. Derived state simply
// reflects the remaining events on the next read.
func (s *Service) DeleteRateEvent(ctx context.Context, eventID string, readAt *time.Time) (*ConcurrentModificationWarning, error) {
	ctx, span := s.tracer.Start(ctx, "commands.delete_rate_event",
		trace.WithAttributes(attribute.String("event.id", eventID)))
	defer span.End()

	e, err := s.store.RateEvent(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	warn := s.staleWarning(EntityRateEvent, eventID, readAt, e.UpdatedAt)

	if err := s.store.RemoveRateEvent(ctx, eventID); err != nil {
		span.RecordError(err)
		return warn, err
	}
	s.logger.Info("rate event deleted",
		zap.String("swimlane_id", e.SwimlaneID),
		zap.String("event_id", eventID))
	return warn, nil
}
