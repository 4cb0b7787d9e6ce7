package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opchart/go-dripline/internal/domain/infusion"
)

var base = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func seedLane(t *testing.T, store *Store, id string, mode infusion.Mode) {
	t.Helper()
	lane := &infusion.Swimlane{ID: id, RecordID: "rec-1", Label: "Propofol", Unit: "ml/h", Mode: mode}
	if err := store.UpsertSwimlane(context.Background(), lane); err != nil {
		t.Fatalf("UpsertSwimlane: %v", err)
	}
}

// A reopened store must serve the same timeline the closed one held.
func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chart.db")

	store := openStore(t, path)
	seedLane(t, store, "lane-1", infusion.ModeRate)

	ev := infusion.NewStart("lane-1", base, "5")
	if err := store.AppendRateEvent(ctx, ev); err != nil {
		t.Fatalf("AppendRateEvent: %v", err)
	}
	stop := infusion.NewStop("lane-1", base.Add(10*time.Minute))
	if err := store.AppendRateEvent(ctx, stop); err != nil {
		t.Fatalf("AppendRateEvent stop: %v", err)
	}
	sess := infusion.NewFreeFlowSession("lane-1", base, "500", "left arm")
	if err := store.InsertSession(ctx, sess); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openStore(t, path)
	defer reopened.Close()

	events, err := reopened.RateEvents(ctx, "lane-1")
	if err != nil {
		t.Fatalf("RateEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events after reopen, want 2", len(events))
	}
	if events[0].ID != ev.ID || events[0].Rate != "5" {
		t.Errorf("first event = %+v, want restored start %q", events[0], ev.ID)
	}
	if !events[1].At.Equal(stop.At) {
		t.Errorf("stop at %v, want %v", events[1].At, stop.At)
	}

	state := infusion.RunningStateAt(events, base.Add(5*time.Minute))
	if !state.Running || state.Rate != "5" {
		t.Errorf("derived state after reopen = %+v, want running at 5", state)
	}

	sessions, err := reopened.Sessions(ctx, "lane-1")
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Label != "left arm" {
		t.Fatalf("sessions after reopen = %+v, want the seeded one", sessions)
	}
}

func TestStoreFreshFileStartsEmpty(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "fresh.db"))
	defer store.Close()

	lanes, err := store.SwimlanesByRecord(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("SwimlanesByRecord: %v", err)
	}
	if len(lanes) != 0 {
		t.Fatalf("fresh store has %d lanes, want 0", len(lanes))
	}
}

// The collision invariant comes from the embedded memory store and must
// still hold behind the snapshotting layer.
func TestStoreRejectsTimestampCollision(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "chart.db"))
	defer store.Close()
	seedLane(t, store, "lane-1", infusion.ModeRate)

	if err := store.AppendRateEvent(ctx, infusion.NewStart("lane-1", base, "5")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := store.AppendRateEvent(ctx, infusion.NewStop("lane-1", base))
	var collision *infusion.TimestampCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("second append at same instant: got %v, want collision", err)
	}
}

func TestStoreDeletePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chart.db")

	store := openStore(t, path)
	seedLane(t, store, "lane-1", infusion.ModeRate)
	ev := infusion.NewStart("lane-1", base, "5")
	if err := store.AppendRateEvent(ctx, ev); err != nil {
		t.Fatalf("AppendRateEvent: %v", err)
	}
	if err := store.RemoveRateEvent(ctx, ev.ID); err != nil {
		t.Fatalf("RemoveRateEvent: %v", err)
	}
	store.Close()

	reopened := openStore(t, path)
	defer reopened.Close()
	events, err := reopened.RateEvents(ctx, "lane-1")
	if err != nil {
		t.Fatalf("RateEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("deleted event came back after reopen: %+v", events)
	}
}
