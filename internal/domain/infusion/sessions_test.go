package infusion

import (
	"context"
	"errors"
	"testing"
)

func TestParallelFreeFlowIndependence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(0), Dose: "500", Label: "line A"})
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(5), Dose: "500", Label: "line B"})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}

	if _, err := svc.StopFreeFlowSession(ctx, first.Session.ID, at(20)); err != nil {
		t.Fatalf("stop first: %v", err)
	}

	active, err := svc.ActiveSessions(ctx, "lane-ff", at(30))
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.Session.ID {
		t.Errorf("active = %+v, want exactly the second session", active)
	}
}

func TestOpenSessionReplaceExisting(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(0), Dose: "500"})
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(5), Dose: "250"})
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	// An already-stopped session must not be touched by a replace.
	if _, err := svc.StopFreeFlowSession(ctx, b.Session.ID, at(8)); err != nil {
		t.Fatalf("stop b: %v", err)
	}

	replaced, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{
		SwimlaneID:      "lane-ff",
		Start:           at(10),
		Dose:            "1000",
		ReplaceExisting: true,
	})
	if err != nil {
		t.Fatalf("open with replace: %v", err)
	}
	if len(replaced.Replaced) != 1 || replaced.Replaced[0] != a.Session.ID {
		t.Errorf("replaced = %v, want [%s]", replaced.Replaced, a.Session.ID)
	}

	stoppedA, err := svc.store.Session(ctx, a.Session.ID)
	if err != nil {
		t.Fatalf("reload a: %v", err)
	}
	if stoppedA.StoppedAt == nil || !stoppedA.StoppedAt.Equal(at(10)) {
		t.Errorf("a stopped at %v, want %v", stoppedA.StoppedAt, at(10))
	}
	stoppedB, _ := svc.store.Session(ctx, b.Session.ID)
	if !stoppedB.StoppedAt.Equal(at(8)) {
		t.Errorf("b's stop moved to %v, replace must not touch stopped sessions", stoppedB.StoppedAt)
	}

	active, err := svc.ActiveSessions(ctx, "lane-ff", at(15))
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != replaced.Session.ID {
		t.Errorf("active = %+v, want only the replacing session", active)
	}
}

func TestOpenSessionParallelKeepsExisting(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(0), Dose: "500"})
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{
		SwimlaneID: "lane-ff",
		Start:      at(5),
		Dose:       "500",
	})
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	if len(b.Replaced) != 0 {
		t.Errorf("parallel open replaced %v, want nothing", b.Replaced)
	}

	active, _ := svc.ActiveSessions(ctx, "lane-ff", at(10))
	if len(active) != 2 {
		t.Fatalf("active = %+v, want both lines", active)
	}
	if active[0].ID != a.Session.ID || active[1].ID != b.Session.ID {
		t.Errorf("active order = %+v, want start-time order", active)
	}
}

func TestOpenSessionDefaultDose(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	// lane-ff carries a single default dose of 500.
	opened, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(0)})
	if err != nil {
		t.Fatalf("open with default: %v", err)
	}
	if opened.Session.Dose != "500" {
		t.Errorf("dose = %q, want the lane default", opened.Session.Dose)
	}

	// A preset triple cannot choose for the caller.
	triple := &Swimlane{ID: "lane-ff3", RecordID: "rec-1", Label: "Jonosteril", Unit: "ml", Mode: ModeFreeFlow, DefaultDose: "250-500-1000"}
	if err := store.UpsertSwimlane(ctx, triple); err != nil {
		t.Fatalf("seed lane: %v", err)
	}
	_, err = svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff3", Start: at(0)})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError for an ambiguous default", err)
	}
}

func TestDuplicateSessionCoexistsWithSource(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	src, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(0), Dose: "500", Label: "NaCl 0.9%"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	dup, err := svc.DuplicateFreeFlowSession(ctx, src.Session.ID, at(30))
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.ID == src.Session.ID {
		t.Fatal("duplicate must get a fresh id")
	}
	if dup.Dose != "500" || dup.Label != "NaCl 0.9%" {
		t.Errorf("duplicate = %+v, want source dose and label", dup)
	}
	if dup.StoppedAt != nil {
		t.Errorf("duplicate opened stopped: %+v", dup)
	}

	active, _ := svc.ActiveSessions(ctx, "lane-ff", at(40))
	if len(active) != 2 {
		t.Errorf("active = %+v, want source and duplicate side by side", active)
	}
}

func TestStopSessionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	opened, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(100), Dose: "500"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = svc.StopFreeFlowSession(ctx, opened.Session.ID, at(50))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError for a stop before the start", err)
	}

	// Same-instant re-stop is a no-op; a later stop moves the boundary.
	if _, err := svc.StopFreeFlowSession(ctx, opened.Session.ID, at(200)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	again, err := svc.StopFreeFlowSession(ctx, opened.Session.ID, at(200))
	if err != nil {
		t.Fatalf("repeat stop: %v", err)
	}
	if !again.StoppedAt.Equal(at(200)) {
		t.Errorf("stop moved to %v on a repeat", again.StoppedAt)
	}
	moved, err := svc.StopFreeFlowSession(ctx, opened.Session.ID, at(300))
	if err != nil {
		t.Fatalf("move stop: %v", err)
	}
	if !moved.StoppedAt.Equal(at(300)) {
		t.Errorf("stop = %v, want moved to %v", moved.StoppedAt, at(300))
	}
}

func TestDeleteSessionRemovesEntirely(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	opened, err := svc.OpenFreeFlowSession(ctx, OpenSessionParams{SwimlaneID: "lane-ff", Start: at(0), Dose: "500"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := svc.DeleteFreeFlowSession(ctx, opened.Session.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	sessions, err := svc.Sessions(ctx, "lane-ff")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %+v, want none after delete", sessions)
	}

	err = svc.DeleteFreeFlowSession(ctx, opened.Session.ID)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("repeat delete: got %v, want NotFoundError", err)
	}
}
