package infusion

import (
	"context"
	"errors"
	"testing"
	"time"
)

// newTestService wires a command service over a fresh in-memory store with
// one lane of each mode already mirrored.
func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, nil).WithClock(func() time.Time { return base.Add(time.Hour) })

	lanes := []*Swimlane{
		{ID: "lane-rate", RecordID: "rec-1", Label: "Propofol", Unit: "mg/h", Mode: ModeRate, RatePresets: []string{"5", "8", "10"}},
		{ID: "lane-ff", RecordID: "rec-1", Label: "Ringer", Unit: "ml", Mode: ModeFreeFlow, DefaultDose: "500"},
		{ID: "lane-bolus", RecordID: "rec-1", Label: "Fentanyl", Unit: "ug", Mode: ModeBolus},
	}
	for _, lane := range lanes {
		if err := store.UpsertSwimlane(context.Background(), lane); err != nil {
			t.Fatalf("seed swimlane %s: %v", lane.ID, err)
		}
	}
	return svc, store
}

func TestRecordRateChangeRejectsEmptyRate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, rate := range []string{"", "   "} {
		_, err := svc.RecordRateChange(ctx, "lane-rate", at(0), rate)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("rate %q: got %v, want ValidationError", rate, err)
		}
	}
}

func TestRecordRateChangeUnknownSwimlane(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RecordRateChange(context.Background(), "no-such-lane", at(0), "5")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
}

func TestRecordRateChangeWrongMode(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RecordRateChange(context.Background(), "lane-ff", at(0), "5")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError for a free-flow lane", err)
	}
}

func TestRecordRateChangeCollisionNudges(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first, err := svc.RecordRateChange(ctx, "lane-rate", at(100), "5")
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	second, err := svc.RecordRateChange(ctx, "lane-rate", at(100), "8")
	if err != nil {
		t.Fatalf("colliding append should nudge, got %v", err)
	}
	if !second.At.Equal(at(101)) {
		t.Errorf("nudged timestamp = %v, want %v", second.At, at(101))
	}
	third, err := svc.RecordRateChange(ctx, "lane-rate", at(100), "10")
	if err != nil {
		t.Fatalf("second colliding append: %v", err)
	}
	if !third.At.Equal(at(102)) {
		t.Errorf("nudged timestamp = %v, want %v", third.At, at(102))
	}

	events, err := store.RateEvents(ctx, "lane-rate")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if !events[0].At.Equal(first.At) {
		t.Errorf("log order wrong: %+v", events)
	}
}

func TestStopIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RecordRateChange(ctx, "lane-rate", at(0), "5"); err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := svc.Stop(ctx, "lane-rate", at(10))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if first.AlreadyStopped || first.Event == nil {
		t.Fatalf("first stop outcome = %+v, want a written marker", first)
	}

	second, err := svc.Stop(ctx, "lane-rate", at(10))
	if err != nil {
		t.Fatalf("repeat stop: %v", err)
	}
	if !second.AlreadyStopped || second.Event != nil {
		t.Errorf("repeat stop outcome = %+v, want no-op", second)
	}

	events, _ := store.RateEvents(ctx, "lane-rate")
	if len(events) != 2 {
		t.Errorf("got %d events, want 2: the repeat stop must not write", len(events))
	}
	state, err := svc.RunningState(ctx, "lane-rate", at(15))
	if err != nil {
		t.Fatalf("running state: %v", err)
	}
	if state.Running {
		t.Errorf("state = %+v, want stopped", state)
	}
}

func TestStopOnNeverStartedLane(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	outcome, err := svc.Stop(ctx, "lane-rate", at(10))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !outcome.AlreadyStopped {
		t.Errorf("outcome = %+v, want no-op on an empty log", outcome)
	}
	events, _ := store.RateEvents(ctx, "lane-rate")
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}

func TestStartNewSharesRecordRateChangePath(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.StartNew(ctx, "lane-rate", at(0), "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("empty rate on StartNew: got %v, want ValidationError", err)
	}

	e, err := svc.StartNew(ctx, "lane-rate", at(0), "5")
	if err != nil {
		t.Fatalf("StartNew: %v", err)
	}
	if e.Kind != KindStart || e.Rate != "5" {
		t.Errorf("event = %+v, want a start at rate 5", e)
	}
}

func TestEditReorderingRecomputes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	started, err := svc.RecordRateChange(ctx, "lane-rate", at(0), "5")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Stop(ctx, "lane-rate", at(10)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	state, _ := svc.RunningState(ctx, "lane-rate", at(15))
	if state.Running {
		t.Fatalf("precondition failed: channel should be stopped at t=15")
	}

	// Move the start past the stop. The next read must see the channel
	// running again, with no reconciliation step in between.
	newAt := at(12)
	edited, _, err := svc.EditRateEvent(ctx, started.ID, RateEventPatch{At: &newAt})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.At.Equal(at(12)) {
		t.Fatalf("edited timestamp = %v, want %v", edited.At, at(12))
	}

	state, err = svc.RunningState(ctx, "lane-rate", at(15))
	if err != nil {
		t.Fatalf("running state: %v", err)
	}
	if !state.Running || state.Rate != "5" {
		t.Errorf("state after edit = %+v, want running at 5", state)
	}
	if !state.Since.Equal(at(12)) {
		t.Errorf("since = %v, want %v", state.Since, at(12))
	}
}

func TestDeletionRestoresPriorState(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RecordRateChange(ctx, "lane-rate", at(0), "5"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Stop(ctx, "lane-rate", at(10)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	resumed, err := svc.RecordRateChange(ctx, "lane-rate", at(20), "8")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	state, _ := svc.RunningState(ctx, "lane-rate", at(25))
	if !state.Running {
		t.Fatalf("precondition failed: channel should be running at t=25")
	}

	if _, err := svc.DeleteRateEvent(ctx, resumed.ID, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	state, err = svc.RunningState(ctx, "lane-rate", at(25))
	if err != nil {
		t.Fatalf("running state: %v", err)
	}
	if state.Running {
		t.Errorf("state after delete = %+v, want stopped again", state)
	}

	segs, err := svc.Segments(ctx, "lane-rate", at(0), at(25))
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segs) != 1 || !segs[0].End.Equal(at(10)) {
		t.Errorf("segments after delete = %+v, want one segment closed at the stop", segs)
	}
}

func TestEditRateEventStaleReadWarning(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.RecordRateChange(ctx, "lane-rate", at(0), "5")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// A read taken before the last write raises the advisory; the edit
	// still goes through.
	staleRead := e.UpdatedAt.Add(-time.Minute)
	rate := "7"
	edited, warn, err := svc.EditRateEvent(ctx, e.ID, RateEventPatch{Rate: &rate, ReadAt: &staleRead})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if warn == nil {
		t.Fatal("expected a concurrent-modification advisory")
	}
	if warn.EntityID != e.ID {
		t.Errorf("advisory entity = %+v", warn)
	}
	if edited.Rate != "7" {
		t.Errorf("edit did not apply: %+v", edited)
	}

	// A fresh read raises nothing.
	freshRead := edited.UpdatedAt
	rate = "9"
	_, warn, err = svc.EditRateEvent(ctx, e.ID, RateEventPatch{Rate: &rate, ReadAt: &freshRead})
	if err != nil {
		t.Fatalf("second edit: %v", err)
	}
	if warn != nil {
		t.Errorf("unexpected advisory: %+v", warn)
	}
}

func TestEditRateEventKindSwitch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.RecordRateChange(ctx, "lane-rate", at(0), "5")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Turning a start into a stop drops the rate.
	kind := KindStop
	edited, _, err := svc.EditRateEvent(ctx, e.ID, RateEventPatch{Kind: &kind})
	if err != nil {
		t.Fatalf("edit to stop: %v", err)
	}
	if edited.Kind != KindStop || edited.Rate != "" {
		t.Errorf("edited = %+v, want a bare stop", edited)
	}

	// Turning it back into a start needs a rate.
	kind = KindStart
	_, _, err = svc.EditRateEvent(ctx, e.ID, RateEventPatch{Kind: &kind})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError without a rate", err)
	}
	rate := "6"
	edited, _, err = svc.EditRateEvent(ctx, e.ID, RateEventPatch{Kind: &kind, Rate: &rate})
	if err != nil {
		t.Fatalf("edit back to start: %v", err)
	}
	if edited.Kind != KindStart || edited.Rate != "6" {
		t.Errorf("edited = %+v, want a start at 6", edited)
	}
}

func TestEditRateEventCollisionNudges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	moved, err := svc.RecordRateChange(ctx, "lane-rate", at(0), "5")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Stop(ctx, "lane-rate", at(10)); err != nil {
		t.Fatalf("stop: %v", err)
	}

	onto := at(10)
	edited, _, err := svc.EditRateEvent(ctx, moved.ID, RateEventPatch{At: &onto})
	if err != nil {
		t.Fatalf("colliding edit should nudge, got %v", err)
	}
	if !edited.At.Equal(at(11)) {
		t.Errorf("edited timestamp = %v, want nudged to %v", edited.At, at(11))
	}
}

func TestDeleteRateEventNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.DeleteRateEvent(context.Background(), "no-such-event", nil)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("got %v, want NotFoundError", err)
	}
}

func TestRunningStateUsesClockWhenZero(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RecordRateChange(ctx, "lane-rate", at(0), "5"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The injected clock sits an hour past base, so a zero query time sees
	// the channel running.
	state, err := svc.RunningState(ctx, "lane-rate", time.Time{})
	if err != nil {
		t.Fatalf("running state: %v", err)
	}
	if !state.Running {
		t.Errorf("state = %+v, want running at the default clock", state)
	}
}
