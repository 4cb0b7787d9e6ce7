package infusion

import (
	"fmt"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return base.Add(time.Duration(ms) * time.Millisecond)
}

func start(ms int, rate string) *RateEvent {
	return &RateEvent{
		ID:         fmt.Sprintf("ev-%d", ms),
		SwimlaneID: "lane-1",
		At:         at(ms),
		Kind:       KindStart,
		Rate:       rate,
	}
}

func stop(ms int) *RateEvent {
	return &RateEvent{
		ID:         fmt.Sprintf("ev-%d", ms),
		SwimlaneID: "lane-1",
		At:         at(ms),
		Kind:       KindStop,
	}
}

func TestRunningStateDeterminism(t *testing.T) {
	log := []*RateEvent{start(0, "5"), stop(10), start(20, "8")}
	reversed := []*RateEvent{start(20, "8"), stop(10), start(0, "5")}

	want := RunningStateAt(log, at(25))
	for i := 0; i < 100; i++ {
		got := RunningStateAt(log, at(25))
		if got.Running != want.Running || got.Rate != want.Rate {
			t.Fatalf("call %d: got %+v, want %+v", i, got, want)
		}
	}

	// Array order in storage must not matter, only timestamps.
	got := RunningStateAt(reversed, at(25))
	if got.Running != want.Running || got.Rate != want.Rate || !got.Since.Equal(*want.Since) {
		t.Errorf("reversed log derived %+v, want %+v", got, want)
	}
}

func TestStopWinsAtEqualTimestamp(t *testing.T) {
	// Clock skew in imported data can put a start and a stop on the same
	// instant. The stop must win so the channel never shows as running
	// past an explicit stop.
	log := []*RateEvent{start(100, "5"), stop(100)}

	got := RunningStateAt(log, at(100))
	if got.Running {
		t.Errorf("expected not running at the shared timestamp, got %+v", got)
	}
	if got := RunningStateAt(log, at(200)); got.Running {
		t.Errorf("expected not running after the shared timestamp, got %+v", got)
	}
}

func TestRateChangeWithoutStop(t *testing.T) {
	log := []*RateEvent{start(0, "5"), start(10, "8")}

	got := RunningStateAt(log, at(20))
	if !got.Running {
		t.Fatalf("expected running, got %+v", got)
	}
	if got.Rate != "8" {
		t.Errorf("rate = %q, want %q", got.Rate, "8")
	}
	if !got.Since.Equal(at(10)) {
		t.Errorf("since = %v, want %v", got.Since, at(10))
	}
}

func TestStopThenResume(t *testing.T) {
	log := []*RateEvent{start(0, "5"), stop(10), start(20, "8")}

	if got := RunningStateAt(log, at(15)); got.Running {
		t.Errorf("expected stopped at t=15, got %+v", got)
	}

	got := RunningStateAt(log, at(25))
	if !got.Running || got.Rate != "8" {
		t.Fatalf("expected running at 8 at t=25, got %+v", got)
	}
	if !got.Since.Equal(at(20)) {
		t.Errorf("since = %v, want %v", got.Since, at(20))
	}
}

func TestRunningStateIgnoresFutureEvents(t *testing.T) {
	log := []*RateEvent{start(0, "5"), stop(10), start(20, "8")}

	got := RunningStateAt(log, at(5))
	if !got.Running || got.Rate != "5" {
		t.Errorf("expected running at 5 at t=5, got %+v", got)
	}
}

func TestRunningStateEmptyLog(t *testing.T) {
	if got := RunningStateAt(nil, at(10)); got.Running {
		t.Errorf("empty log derived %+v, want not running", got)
	}
}

func TestSegmentsRateChangeBoundaries(t *testing.T) {
	// Consecutive starts are rate-change boundaries: each segment ends
	// where the next begins, never overlapping.
	log := []*RateEvent{start(0, "5"), start(10, "8"), stop(20)}

	segs := SegmentsUpTo(log, at(30))
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
	}
	if !segs[0].Start.Equal(at(0)) || !segs[0].End.Equal(at(10)) || segs[0].Rate != "5" {
		t.Errorf("segment 0 = %+v", segs[0])
	}
	if !segs[1].Start.Equal(at(10)) || !segs[1].End.Equal(at(20)) || segs[1].Rate != "8" {
		t.Errorf("segment 1 = %+v", segs[1])
	}
	if segs[0].Open || segs[1].Open {
		t.Error("closed segments must not be marked open")
	}
}

func TestSegmentsOpenEndsAtQueryBound(t *testing.T) {
	log := []*RateEvent{start(0, "5")}

	segs := SegmentsUpTo(log, at(30))
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if !segs[0].Open {
		t.Error("running segment must be marked open")
	}
	if !segs[0].End.Equal(at(30)) {
		t.Errorf("open segment ends at %v, want query bound %v", segs[0].End, at(30))
	}
}

func TestSegmentsBetweenWindow(t *testing.T) {
	log := []*RateEvent{start(0, "5"), stop(10), start(20, "8"), stop(30), start(40, "2")}

	segs := SegmentsBetween(log, at(15), at(45))
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
	}
	if segs[0].Rate != "8" || segs[1].Rate != "2" {
		t.Errorf("segments = %+v", segs)
	}
	if !segs[1].Open || !segs[1].End.Equal(at(45)) {
		t.Errorf("last segment = %+v, want open ending at %v", segs[1], at(45))
	}
}

func TestSegmentsUnsortedInput(t *testing.T) {
	// Storage order is irrelevant; derivation sorts by timestamp.
	log := []*RateEvent{stop(20), start(10, "8"), start(0, "5")}

	segs := SegmentsUpTo(log, at(30))
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
	}
	if !segs[0].Start.Equal(at(0)) || !segs[1].Start.Equal(at(10)) {
		t.Errorf("segments out of order: %+v", segs)
	}
}

func TestActiveSessionsAt(t *testing.T) {
	stopAt := at(50)
	sessions := []*FreeFlowSession{
		{ID: "s1", SwimlaneID: "lane-2", StartedAt: at(0), StoppedAt: &stopAt},
		{ID: "s2", SwimlaneID: "lane-2", StartedAt: at(10)},
		{ID: "s3", SwimlaneID: "lane-2", StartedAt: at(100)},
	}

	active := ActiveSessionsAt(sessions, at(60))
	if len(active) != 1 || active[0].ID != "s2" {
		t.Fatalf("active at t=60 = %+v, want only s2", active)
	}

	// Boundary: a session is active at its start instant, and a stopped
	// session is no longer active at its stop instant.
	active = ActiveSessionsAt(sessions, at(50))
	ids := map[string]bool{}
	for _, s := range active {
		ids[s.ID] = true
	}
	if ids["s1"] {
		t.Error("s1 must not be active at its stop instant")
	}
	if !ids["s2"] {
		t.Error("s2 must be active at t=50")
	}

	active = ActiveSessionsAt(sessions, at(100))
	ids = map[string]bool{}
	for _, s := range active {
		ids[s.ID] = true
	}
	if !ids["s3"] {
		t.Error("s3 must be active at its start instant")
	}
}

func TestDosesBetween(t *testing.T) {
	doses := []*DoseEvent{
		{ID: "d2", SwimlaneID: "lane-3", At: at(20), Dose: "2"},
		{ID: "d1", SwimlaneID: "lane-3", At: at(0), Dose: "1"},
		{ID: "d3", SwimlaneID: "lane-3", At: at(40), Dose: "3"},
	}

	got := DosesBetween(doses, at(0), at(20))
	if len(got) != 2 {
		t.Fatalf("got %d doses, want 2", len(got))
	}
	if got[0].ID != "d1" || got[1].ID != "d2" {
		t.Errorf("doses out of order: %+v", got)
	}
}
