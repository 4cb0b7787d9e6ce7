package infusion

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OpenSessionParams opens a free-flow session. ReplaceExisting is the
// caller's intent, never inferred from the log: true stops every open
// session on the lane at the new start time (replace the line), false adds
// a parallel line alongside whatever is running.
type OpenSessionParams struct {
	SwimlaneID      string
	Start           time.Time
	Dose            string
	Label           string
	ReplaceExisting bool
}

// OpenSessionOutcome reports the opened session and, when the caller asked
// to replace, the ids of the sessions stopped to make way.
type OpenSessionOutcome struct {
	Session  *FreeFlowSession `json:"session"`
	Replaced []string         `json:"replaced,omitempty"`
}

// OpenFreeFlowSession opens a session on a free-flow swimlane. An empty
// dose falls back to the lane's default when the default is a single value;
// a preset triple cannot choose for the caller.
func (s *Service) OpenFreeFlowSession(ctx context.Context, p OpenSessionParams) (*OpenSessionOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "commands.open_freeflow_session",
		trace.WithAttributes(
			attribute.String("swimlane.id", p.SwimlaneID),
			attribute.Bool("replace_existing", p.ReplaceExisting)))
	defer span.End()

	lane, err := s.lane(ctx, p.SwimlaneID, ModeFreeFlow)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	dose := strings.TrimSpace(p.Dose)
	if dose == "" {
		presets := lane.DosePresets()
		if len(presets) != 1 {
			return nil, &ValidationError{Field: "dose", Reason: "must not be empty"}
		}
		dose = presets[0]
	}
	start := s.defaultTime(p.Start)

	outcome := &OpenSessionOutcome{}
	if p.ReplaceExisting {
		open, err := s.store.Sessions(ctx, lane.ID)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		for _, existing := range open {
			if existing.StoppedAt != nil {
				continue
			}
			stop := start
			existing.StoppedAt = &stop
			if err := s.store.UpdateSession(ctx, existing); err != nil {
				span.RecordError(err)
				return nil, err
			}
			outcome.Replaced = append(outcome.Replaced, existing.ID)
		}
	}

	sess := NewFreeFlowSession(lane.ID, start, dose, p.Label)
	if err := s.store.InsertSession(ctx, sess); err != nil {
		span.RecordError(err)
		return nil, err
	}
	outcome.Session = sess
	s.logger.Info("freeflow session opened",
		zap.String("swimlane_id", lane.ID),
		zap.String("session_id", sess.ID),
		zap.Time("start", sess.StartedAt),
		zap.Bool("replace_existing", p.ReplaceExisting),
		zap.Int("replaced", len(outcome.Replaced)))
	return outcome, nil
}

// StopFreeFlowSession sets a session's stop timestamp. Stopping does not
// delete; the interval stays on the chart. Re-stopping at the same instant
// is a no-op, and a later stop command moves the stop time, last writer
// wins.
func (s *Service) StopFreeFlowSession(ctx context.Context, sessionID string, at time.Time) (*FreeFlowSession, error) {
	ctx, span := s.tracer.Start(ctx, "commands.stop_freeflow_session",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, err := s.store.Session(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	at = s.defaultTime(at)
	if at.Before(sess.StartedAt) {
		return nil, &ValidationError{Field: "stop", Reason: "must not precede the session start"}
	}
	if sess.StoppedAt != nil && sess.StoppedAt.Equal(at) {
		return sess, nil
	}
	sess.StoppedAt = &at
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("freeflow session stopped",
		zap.String("swimlane_id", sess.SwimlaneID),
		zap.String("session_id", sess.ID),
		zap.Time("stop", at))
	return sess, nil
}

// DuplicateFreeFlowSession opens a new session on the same swimlane with
// the source's dose and label and a fresh start time, explicitly coexisting
// with the source. This is how a second parallel line of the same fluid is
// charted.
func (s *Service) DuplicateFreeFlowSession(ctx context.Context, sessionID string, start time.Time) (*FreeFlowSession, error) {
	ctx, span := s.tracer.Start(ctx, "commands.duplicate_freeflow_session",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	src, err := s.store.Session(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	dup := NewFreeFlowSession(src.SwimlaneID, s.defaultTime(start), src.Dose, src.Label)
	if err := s.store.InsertSession(ctx, dup); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("freeflow session duplicated",
		zap.String("swimlane_id", dup.SwimlaneID),
		zap.String("source_id", src.ID),
		zap.String("session_id", dup.ID))
	return dup, nil
}

// DeleteFreeFlowSession removes a session and any rendering of it.
func (s *Service) DeleteFreeFlowSession(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "commands.delete_freeflow_session",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, err := s.store.Session(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.store.RemoveSession(ctx, sessionID); err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info("freeflow session deleted",
		zap.String("swimlane_id", sess.SwimlaneID),
		zap.String("session_id", sessionID))
	return nil
}
