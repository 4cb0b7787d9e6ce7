package infusion

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Swimlane returns a lane's mirrored configuration.
func (s *Service) Swimlane(ctx context.Context, id string) (*Swimlane, error) {
	return s.store.Swimlane(ctx, id)
}

// Swimlanes returns all lanes of a clinical record.
func (s *Service) Swimlanes(ctx context.Context, recordID string) ([]*Swimlane, error) {
	return s.store.SwimlanesByRecord(ctx, recordID)
}

// UpsertSwimlanes mirrors lane configuration pushed by the admin
// collaborator. The record id on each lane is forced to the target record.
func (s *Service) UpsertSwimlanes(ctx context.Context, recordID string, lanes []*Swimlane) error {
	ctx, span := s.tracer.Start(ctx, "commands.upsert_swimlanes",
		trace.WithAttributes(attribute.String("record.id", recordID)))
	defer span.End()

	for _, lane := range lanes {
		lane.RecordID = recordID
		if err := lane.Validate(); err != nil {
			return err
		}
	}
	for _, lane := range lanes {
		if err := s.store.UpsertSwimlane(ctx, lane); err != nil {
			span.RecordError(err)
			return err
		}
	}
	s.logger.Info("swimlane configuration mirrored",
		zap.String("record_id", recordID),
		zap.Int("lanes", len(lanes)))
	return nil
}

// RunningState derives a rate-controlled lane's state at the given time.
// A zero at means now. The log is fetched fresh on every call; nothing is
// cached anywhere, which is what makes edits and deletes safe without a
// reconciliation step.
func (s *Service) RunningState(ctx context.Context, swimlaneID string, at time.Time) (RunningState, error) {
	lane, err := s.lane(ctx, swimlaneID, ModeRate)
	if err != nil {
		return RunningState{}, err
	}
	events, err := s.store.RateEvents(ctx, lane.ID)
	if err != nil {
		return RunningState{}, err
	}
	return RunningStateAt(events, s.defaultTime(at)), nil
}

// Segments derives a rate-controlled lane's display segments intersecting
// [from, to].
func (s *Service) Segments(ctx context.Context, swimlaneID string, from, to time.Time) ([]Segment, error) {
	if to.Before(from) {
		return nil, &ValidationError{Field: "to", Reason: "must not precede from"}
	}
	lane, err := s.lane(ctx, swimlaneID, ModeRate)
	if err != nil {
		return nil, err
	}
	events, err := s.store.RateEvents(ctx, lane.ID)
	if err != nil {
		return nil, err
	}
	return SegmentsBetween(events, TruncateMillis(from), TruncateMillis(to)), nil
}

// RateEvents returns a lane's raw log, ascending by timestamp, for the
// event editor.
func (s *Service) RateEvents(ctx context.Context, swimlaneID string) ([]*RateEvent, error) {
	if _, err := s.lane(ctx, swimlaneID, ModeRate); err != nil {
		return nil, err
	}
	return s.store.RateEvents(ctx, swimlaneID)
}

// RateEvent returns a single marker by id.
func (s *Service) RateEvent(ctx context.Context, id string) (*RateEvent, error) {
	return s.store.RateEvent(ctx, id)
}

// ActiveSessions derives the free-flow sessions running at the given time.
// A zero at means now.
func (s *Service) ActiveSessions(ctx context.Context, swimlaneID string, at time.Time) ([]*FreeFlowSession, error) {
	lane, err := s.lane(ctx, swimlaneID, ModeFreeFlow)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.Sessions(ctx, lane.ID)
	if err != nil {
		return nil, err
	}
	return ActiveSessionsAt(sessions, s.defaultTime(at)), nil
}

// Sessions returns all of a lane's sessions, running and stopped, for
// chart history.
func (s *Service) Sessions(ctx context.Context, swimlaneID string) ([]*FreeFlowSession, error) {
	if _, err := s.lane(ctx, swimlaneID, ModeFreeFlow); err != nil {
		return nil, err
	}
	return s.store.Sessions(ctx, swimlaneID)
}

// Session returns a single free-flow session by id.
func (s *Service) Session(ctx context.Context, id string) (*FreeFlowSession, error) {
	return s.store.Session(ctx, id)
}

// Dose returns a single point dose by id.
func (s *Service) Dose(ctx context.Context, id string) (*DoseEvent, error) {
	return s.store.Dose(ctx, id)
}

// Doses returns a point-dose lane's entries within [from, to].
func (s *Service) Doses(ctx context.Context, swimlaneID string, from, to time.Time) ([]*DoseEvent, error) {
	if to.Before(from) {
		return nil, &ValidationError{Field: "to", Reason: "must not precede from"}
	}
	lane, err := s.lane(ctx, swimlaneID, ModeBolus)
	if err != nil {
		return nil, err
	}
	doses, err := s.store.Doses(ctx, lane.ID)
	if err != nil {
		return nil, err
	}
	return DosesBetween(doses, TruncateMillis(from), TruncateMillis(to)), nil
}

// LaneSnapshot is the render bootstrap for one swimlane. Only the fields
// matching the lane's mode are populated.
type LaneSnapshot struct {
	Swimlane *Swimlane          `json:"swimlane"`
	State    *RunningState      `json:"state,omitempty"`
	Segments []Segment          `json:"segments,omitempty"`
	Sessions []*FreeFlowSession `json:"sessions,omitempty"`
	Doses    []*DoseEvent       `json:"doses,omitempty"`
}

// ChartSnapshot is the full render bootstrap for a clinical record at a
// point in time.
type ChartSnapshot struct {
	RecordID string          `json:"record_id"`
	At       time.Time       `json:"at"`
	Lanes    []*LaneSnapshot `json:"lanes"`
}

// Snapshot assembles the chart bootstrap for every lane of a record: state
// and segments for rate lanes, session history for free-flow lanes, dose
// history for point-dose lanes. A zero at means now.
func (s *Service) Snapshot(ctx context.Context, recordID string, at time.Time) (*ChartSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "reads.snapshot",
		trace.WithAttributes(attribute.String("record.id", recordID)))
	defer span.End()

	at = s.defaultTime(at)
	lanes, err := s.store.SwimlanesByRecord(ctx, recordID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	snap := &ChartSnapshot{RecordID: recordID, At: at, Lanes: make([]*LaneSnapshot, 0, len(lanes))}
	for _, lane := range lanes {
		ls := &LaneSnapshot{Swimlane: lane}
		switch lane.Mode {
		case ModeRate:
			events, err := s.store.RateEvents(ctx, lane.ID)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			state := RunningStateAt(events, at)
			ls.State = &state
			ls.Segments = SegmentsUpTo(events, at)
		case ModeFreeFlow:
			sessions, err := s.store.Sessions(ctx, lane.ID)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			ls.Sessions = sessions
		case ModeBolus:
			doses, err := s.store.Doses(ctx, lane.ID)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			ls.Doses = DosesBetween(doses, time.Time{}, at)
		}
		snap.Lanes = append(snap.Lanes, ls)
	}
	return snap, nil
}
