// Package export renders swimlane history as FHIR R5 resources for
// downstream EHR consumers. Rate segments, free-flow sessions and point
// doses all map onto MedicationAdministration; what varies is the
// occurence form and which dosage field carries the value.
package export

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opchart/go-dripline/internal/domain/infusion"
	fhir "github.com/opchart/go-dripline/internal/fhir/r5"
)

// LaneBundle renders one swimlane's history as a collection bundle of
// MedicationAdministration resources. Only the slice matching the lane's
// mode is consulted; the others may be nil.
func LaneBundle(lane *infusion.Swimlane, segments []infusion.Segment, sessions []*infusion.FreeFlowSession, doses []*infusion.DoseEvent, at time.Time) *fhir.Bundle {
	bundle := fhir.NewCollectionBundle("swimlane-"+lane.ID, at)
	switch lane.Mode {
	case infusion.ModeRate:
		for i, seg := range segments {
			bundle.Add(fmt.Sprintf("urn:dripline:segment:%s:%d", lane.ID, i), segmentAdministration(lane, seg, i))
		}
	case infusion.ModeFreeFlow:
		for _, session := range sessions {
			bundle.Add("urn:dripline:session:"+session.ID, sessionAdministration(lane, session))
		}
	case infusion.ModeBolus:
		for _, dose := range doses {
			bundle.Add("urn:dripline:dose:"+dose.ID, doseAdministration(lane, dose))
		}
	}
	return bundle
}

// segmentAdministration maps one derived rate segment. An open segment is
// still running at export time, so it goes out in-progress with no period
// end.
func segmentAdministration(lane *infusion.Swimlane, seg infusion.Segment, idx int) *fhir.MedicationAdministration {
	ma := fhir.NewMedicationAdministration(fmt.Sprintf("%s-seg-%d", lane.ID, idx))
	period := &fhir.Period{Start: seg.Start}
	if seg.Open {
		ma.Status = fhir.StatusInProgress
	} else {
		ma.Status = fhir.StatusCompleted
		end := seg.End
		period.End = &end
	}
	ma.OccurencePeriod = period
	ma.Medication = medication(lane)
	ma.Subject = subject(lane)
	ma.Dosage = &fhir.AdministrationDosage{
		Text:         strings.TrimSpace(seg.Rate + " " + lane.Unit),
		RateQuantity: quantity(seg.Rate, lane.Unit),
	}
	return ma
}

func sessionAdministration(lane *infusion.Swimlane, s *infusion.FreeFlowSession) *fhir.MedicationAdministration {
	ma := fhir.NewMedicationAdministration(s.ID)
	period := &fhir.Period{Start: s.StartedAt}
	if s.StoppedAt != nil {
		ma.Status = fhir.StatusCompleted
		end := *s.StoppedAt
		period.End = &end
	} else {
		ma.Status = fhir.StatusInProgress
	}
	ma.OccurencePeriod = period
	recorded := s.UpdatedAt
	ma.Recorded = &recorded
	ma.Medication = medication(lane)
	ma.Subject = subject(lane)
	ma.Dosage = &fhir.AdministrationDosage{
		Text: strings.TrimSpace(s.Dose + " " + lane.Unit),
		Dose: quantity(s.Dose, lane.Unit),
	}
	if s.Label != "" {
		ma.Note = append(ma.Note, fhir.Annotation{Text: s.Label, Time: s.StartedAt})
	}
	return ma
}

func doseAdministration(lane *infusion.Swimlane, d *infusion.DoseEvent) *fhir.MedicationAdministration {
	ma := fhir.NewMedicationAdministration(d.ID)
	ma.Status = fhir.StatusCompleted
	at := d.At
	ma.OccurenceDateTime = &at
	recorded := d.UpdatedAt
	ma.Recorded = &recorded
	ma.Medication = medication(lane)
	ma.Subject = subject(lane)
	ma.Dosage = &fhir.AdministrationDosage{
		Text: strings.TrimSpace(d.Dose + " " + lane.Unit),
		Dose: quantity(d.Dose, lane.Unit),
	}
	if d.Note != "" {
		ma.Note = append(ma.Note, fhir.Annotation{Text: d.Note, Time: d.At})
	}
	return ma
}

func subject(lane *infusion.Swimlane) fhir.Reference {
	return fhir.Reference{
		Reference: "Patient/" + lane.RecordID,
		Type:      "Patient",
	}
}

func medication(lane *infusion.Swimlane) fhir.CodeableReference {
	return fhir.CodeableReference{
		Concept: &fhir.CodeableConcept{Text: lane.Label},
	}
}

// quantity parses a charted value into a UCUM quantity. Charted values are
// free text; only a plain number maps onto Quantity.Value, anything else
// stays text-only in the dosage.
func quantity(value, unit string) *fhir.Quantity {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return nil
	}
	return &fhir.Quantity{
		Value:  v,
		Unit:   unit,
		System: fhir.SystemUCUM,
		Code:   unit,
	}
}
