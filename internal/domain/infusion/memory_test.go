package infusion

import (
	"context"
	"errors"
	"testing"
)

func seedLane(t *testing.T, store *MemoryStore, id string, mode Mode) {
	t.Helper()
	lane := &Swimlane{ID: id, RecordID: "rec-1", Label: id, Mode: mode}
	if err := store.UpsertSwimlane(context.Background(), lane); err != nil {
		t.Fatalf("seed lane %s: %v", id, err)
	}
}

func TestMemoryStoreListingSorted(t *testing.T) {
	store := NewMemoryStore()
	seedLane(t, store, "lane-1", ModeRate)
	ctx := context.Background()

	// Insertion order deliberately scrambled.
	for _, ms := range []int{30, 0, 20, 10} {
		if err := store.AppendRateEvent(ctx, start(ms, "5")); err != nil {
			t.Fatalf("append at %d: %v", ms, err)
		}
	}

	events, err := store.RateEvents(ctx, "lane-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].At.Before(events[i-1].At) {
			t.Fatalf("listing not sorted: %+v", events)
		}
	}
}

func TestMemoryStoreTimestampCollision(t *testing.T) {
	store := NewMemoryStore()
	seedLane(t, store, "lane-1", ModeRate)
	seedLane(t, store, "lane-2", ModeRate)
	ctx := context.Background()

	if err := store.AppendRateEvent(ctx, start(100, "5")); err != nil {
		t.Fatalf("append: %v", err)
	}

	err := store.AppendRateEvent(ctx, stop(100))
	var collision *TimestampCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("got %v, want TimestampCollisionError", err)
	}
	if collision.SwimlaneID != "lane-1" || !collision.At.Equal(at(100)) {
		t.Errorf("collision = %+v", collision)
	}

	// The invariant is per swimlane; another lane may use the instant.
	other := start(100, "5")
	other.ID = "other-lane-event"
	other.SwimlaneID = "lane-2"
	if err := store.AppendRateEvent(ctx, other); err != nil {
		t.Errorf("same timestamp on another lane: %v", err)
	}
}

func TestMemoryStoreUpdateCollision(t *testing.T) {
	store := NewMemoryStore()
	seedLane(t, store, "lane-1", ModeRate)
	ctx := context.Background()

	a := start(0, "5")
	b := stop(10)
	if err := store.AppendRateEvent(ctx, a); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if err := store.AppendRateEvent(ctx, b); err != nil {
		t.Fatalf("append b: %v", err)
	}

	moved := a.Clone()
	moved.At = at(10)
	err := store.UpdateRateEvent(ctx, moved)
	var collision *TimestampCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("got %v, want TimestampCollisionError", err)
	}

	// Updating an event onto its own timestamp is not a collision.
	same := a.Clone()
	same.Rate = "8"
	if err := store.UpdateRateEvent(ctx, same); err != nil {
		t.Errorf("self-timestamp update: %v", err)
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	store := NewMemoryStore()
	seedLane(t, store, "lane-1", ModeRate)
	ctx := context.Background()

	if err := store.AppendRateEvent(ctx, start(0, "5")); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, _ := store.RateEvents(ctx, "lane-1")
	events[0].Rate = "mutated"

	again, _ := store.RateEvents(ctx, "lane-1")
	if again[0].Rate != "5" {
		t.Errorf("store leaked internal state: %+v", again[0])
	}
}

type captureSink struct {
	changes []*Change
}

func (c *captureSink) ChangeCommitted(ch *Change) {
	c.changes = append(c.changes, ch)
}

func TestMemoryStoreNotifiesSinks(t *testing.T) {
	store := NewMemoryStore()
	sink := &captureSink{}
	store.AddSink(sink)
	seedLane(t, store, "lane-1", ModeRate)
	ctx := context.Background()

	e := start(0, "5")
	if err := store.AppendRateEvent(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.RemoveRateEvent(ctx, e.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if len(sink.changes) != 3 {
		t.Fatalf("got %d changes, want lane upsert, append, remove", len(sink.changes))
	}
	created := sink.changes[1]
	if created.Action != ActionCreated || created.Entity != EntityRateEvent || created.RecordID != "rec-1" {
		t.Errorf("change = %+v", created)
	}
	deleted := sink.changes[2]
	if deleted.Action != ActionDeleted || deleted.EntityID != e.ID {
		t.Errorf("change = %+v", deleted)
	}
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	seedLane(t, store, "lane-1", ModeRate)
	seedLane(t, store, "lane-2", ModeFreeFlow)
	ctx := context.Background()

	if err := store.AppendRateEvent(ctx, start(0, "5")); err != nil {
		t.Fatalf("append: %v", err)
	}
	sess := NewFreeFlowSession("lane-2", at(10), "500", "line A")
	if err := store.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	restored := NewMemoryStore()
	restored.Import(store.Export())

	events, err := restored.RateEvents(ctx, "lane-1")
	if err != nil || len(events) != 1 {
		t.Fatalf("restored events = %v, %v", events, err)
	}
	sessions, err := restored.Sessions(ctx, "lane-2")
	if err != nil || len(sessions) != 1 || sessions[0].ID != sess.ID {
		t.Fatalf("restored sessions = %v, %v", sessions, err)
	}
	if _, err := restored.Swimlane(ctx, "lane-1"); err != nil {
		t.Fatalf("restored lane: %v", err)
	}
}
