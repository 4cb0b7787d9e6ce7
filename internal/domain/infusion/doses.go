package infusion

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// validDose checks a bolus quantity. Point-dose lanes chart a numeric
// amount in the lane's unit; free text belongs in the note.
func validDose(dose string) error {
	dose = strings.TrimSpace(dose)
	if dose == "" {
		return &ValidationError{Field: "dose", Reason: "must not be empty"}
	}
	if _, err := strconv.ParseFloat(dose, 64); err != nil {
		return &ValidationError{Field: "dose", Reason: "must be numeric"}
	}
	return nil
}

// RecordDose charts a bolus on a point-dose swimlane. Pure CRUD with a
// timestamp; no running state is ever derived from these.
func (s *Service) RecordDose(ctx context.Context, swimlaneID string, at time.Time, dose, note string) (*DoseEvent, error) {
	ctx, span := s.tracer.Start(ctx, "commands.record_dose",
		trace.WithAttributes(attribute.String("swimlane.id", swimlaneID)))
	defer span.End()

	lane, err := s.lane(ctx, swimlaneID, ModeBolus)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	dose = strings.TrimSpace(dose)
	if dose == "" && lane.DefaultDose != "" {
		if presets := lane.DosePresets(); len(presets) == 1 {
			dose = presets[0]
		}
	}
	if err := validDose(dose); err != nil {
		return nil, err
	}

	d := NewDoseEvent(lane.ID, s.defaultTime(at), dose, note)
	if err := s.store.InsertDose(ctx, d); err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.Info("dose recorded",
		zap.String("swimlane_id", lane.ID),
		zap.String("dose_id", d.ID),
		zap.String("dose", d.Dose),
		zap.Time("at", d.At))
	return d, nil
}

// DosePatch is a partial edit of a bolus entry. Nil fields stay unchanged.
type DosePatch struct {
	At     *time.Time
	Dose   *string
	Note   *string
	ReadAt *time.Time
}

// EditDose mutates a bolus entry in place. Last writer wins; a stale read
// yields the non-blocking advisory.
func (s *Service) EditDose(ctx context.Context, doseID string, patch DosePatch) (*DoseEvent, *ConcurrentModificationWarning, error) {
	ctx, span := s.tracer.Start(ctx, "commands.edit_dose",
		trace.WithAttributes(attribute.String("dose.id", doseID)))
	defer span.End()

	d, err := s.store.Dose(ctx, doseID)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	warn := s.staleWarning(EntityDose, doseID, patch.ReadAt, d.UpdatedAt)

	if patch.At != nil {
		if patch.At.IsZero() {
			return nil, warn, &ValidationError{Field: "at", Reason: "must not be zero"}
		}
		d.At = TruncateMillis(*patch.At)
	}
	if patch.Dose != nil {
		d.Dose = strings.TrimSpace(*patch.Dose)
	}
	if patch.Note != nil {
		d.Note = *patch.Note
	}
	if err := validDose(d.Dose); err != nil {
		return nil, warn, err
	}

	if err := s.store.UpdateDose(ctx, d); err != nil {
		span.RecordError(err)
		return nil, warn, err
	}
	s.logger.Info("dose edited",
		zap.String("swimlane_id", d.SwimlaneID),
		zap.String("dose_id", d.ID),
		zap.Time("at", d.At))
	return d, warn, nil
}

// DeleteDose removes a bolus entry.
func (s *Service) DeleteDose(ctx context.Context, doseID string, readAt *time.Time) (*ConcurrentModificationWarning, error) {
	ctx, span := s.tracer.Start(ctx, "commands.delete_dose",
		trace.WithAttributes(attribute.String("dose.id", doseID)))
	defer span.End()

	d, err := s.store.Dose(ctx, doseID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	warn := s.staleWarning(EntityDose, doseID, readAt, d.UpdatedAt)

	if err := s.store.RemoveDose(ctx, doseID); err != nil {
		span.RecordError(err)
		return warn, err
	}
	s.logger.Info("dose deleted",
		zap.String("swimlane_id", d.SwimlaneID),
		zap.String("dose_id", doseID))
	return warn, nil
}
