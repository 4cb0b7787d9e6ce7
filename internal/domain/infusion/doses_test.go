package infusion

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecordDoseNumericValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, dose := range []string{"", "abc", "2,5"} {
		_, err := svc.RecordDose(ctx, "lane-bolus", at(0), dose, "")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("dose %q: got %v, want ValidationError", dose, err)
		}
	}

	d, err := svc.RecordDose(ctx, "lane-bolus", at(0), "2.5", "on induction")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if d.Dose != "2.5" || d.Note != "on induction" {
		t.Errorf("dose = %+v", d)
	}
}

func TestRecordDoseDefaultFromLane(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	single := &Swimlane{ID: "lane-bolus2", RecordID: "rec-1", Label: "Midazolam", Unit: "mg", Mode: ModeBolus, DefaultDose: "2"}
	if err := store.UpsertSwimlane(ctx, single); err != nil {
		t.Fatalf("seed lane: %v", err)
	}

	d, err := svc.RecordDose(ctx, "lane-bolus2", at(0), "", "")
	if err != nil {
		t.Fatalf("record with default: %v", err)
	}
	if d.Dose != "2" {
		t.Errorf("dose = %q, want the lane default", d.Dose)
	}

	// A preset triple is a menu for the dialog, not a fallback.
	triple := &Swimlane{ID: "lane-bolus3", RecordID: "rec-1", Label: "Fentanyl", Unit: "ug", Mode: ModeBolus, DefaultDose: "25-35-50"}
	if err := store.UpsertSwimlane(ctx, triple); err != nil {
		t.Fatalf("seed lane: %v", err)
	}
	_, err = svc.RecordDose(ctx, "lane-bolus3", at(0), "", "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError for an ambiguous default", err)
	}
}

func TestEditDose(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	d, err := svc.RecordDose(ctx, "lane-bolus", at(0), "25", "")
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	bad := "fifty"
	_, _, err = svc.EditDose(ctx, d.ID, DosePatch{Dose: &bad})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError for a non-numeric dose", err)
	}

	dose, note, when := "50", "repeat bolus", at(500)
	edited, warn, err := svc.EditDose(ctx, d.ID, DosePatch{At: &when, Dose: &dose, Note: &note})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if warn != nil {
		t.Errorf("unexpected advisory: %+v", warn)
	}
	if edited.Dose != "50" || edited.Note != "repeat bolus" || !edited.At.Equal(at(500)) {
		t.Errorf("edited = %+v", edited)
	}

	staleRead := edited.UpdatedAt.Add(-time.Minute)
	dose = "75"
	_, warn, err = svc.EditDose(ctx, d.ID, DosePatch{Dose: &dose, ReadAt: &staleRead})
	if err != nil {
		t.Fatalf("stale edit: %v", err)
	}
	if warn == nil {
		t.Error("expected a concurrent-modification advisory")
	}
}

func TestDeleteDose(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	d, err := svc.RecordDose(ctx, "lane-bolus", at(0), "25", "")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := svc.DeleteDose(ctx, d.ID, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	doses, err := svc.Doses(ctx, "lane-bolus", at(0), at(100))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(doses) != 0 {
		t.Errorf("doses = %+v, want none", doses)
	}

	_, err = svc.DeleteDose(ctx, d.ID, nil)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("repeat delete: got %v, want NotFoundError", err)
	}
}

func TestSnapshotAssemblesAllLanes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RecordRateChange(ctx, "lane-rate", at(0), "5"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(5), Dose: "500"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := svc.RecordDose(ctx, "lane-bolus", at(10), "25", ""); err != nil {
		t.Fatalf("record dose: %v", err)
	}

	snap, err := svc.Snapshot(ctx, "rec-1", at(60))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.RecordID != "rec-1" || len(snap.Lanes) != 3 {
		t.Fatalf("snapshot = %+v, want all three lanes", snap)
	}

	byID := map[string]*LaneSnapshot{}
	for _, ls := range snap.Lanes {
		byID[ls.Swimlane.ID] = ls
	}
	rate := byID["lane-rate"]
	if rate == nil || rate.State == nil || !rate.State.Running {
		t.Errorf("rate lane snapshot = %+v, want running state", rate)
	}
	if len(rate.Segments) != 1 || !rate.Segments[0].Open {
		t.Errorf("rate lane segments = %+v, want one open segment", rate.Segments)
	}
	if ff := byID["lane-ff"]; ff == nil || len(ff.Sessions) != 1 {
		t.Errorf("freeflow lane snapshot = %+v, want one session", ff)
	}
	if bolus := byID["lane-bolus"]; bolus == nil || len(bolus.Doses) != 1 {
		t.Errorf("bolus lane snapshot = %+v, want one dose", bolus)
	}
}
