package infusion

import (
	"sort"
	"time"
)

// RunningState is the derived answer for a rate-controlled swimlane at a
// query time. It is computed on every read and stored nowhere.
type RunningState struct {
	Running bool       `json:"running"`
	Rate    string     `json:"rate,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
}

// Segment is one displayed interval of a rate-controlled swimlane. Open
// marks a segment cut off by the query bound rather than by a stop marker.
type Segment struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Rate  string    `json:"rate"`
	Open  bool      `json:"open,omitempty"`
}

// SortEvents orders a log ascending by timestamp, in place. Starts sort
// before stops at the same instant so segment walking and the running
// check agree on the stop-wins rule.
func SortEvents(events []*RateEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].At.Equal(events[j].At) {
			return events[i].Kind == KindStart && events[j].Kind == KindStop
		}
		return events[i].At.Before(events[j].At)
	})
}

// RunningStateAt derives whether the channel is administering at t, and at
// what rate, from the raw log. Only events at or before t count. The
// channel is running iff the latest start strictly postdates the latest
// stop: at equal timestamps the stop wins, so a channel never shows as
// running past an explicit stop. The function never mutates its input and
// never fails; equal-timestamp markers from imported data resolve by the
// tie-break instead of an error.
func RunningStateAt(events []*RateEvent, t time.Time) RunningState {
	var latestStart, latestStop *RateEvent
	for _, e := range events {
		if e.At.After(t) {
			continue
		}
		switch e.Kind {
		case KindStart:
			if latestStart == nil || e.At.After(latestStart.At) {
				latestStart = e
			}
		case KindStop:
			if latestStop == nil || e.At.After(latestStop.At) {
				latestStop = e
			}
		}
	}
	if latestStart == nil {
		return RunningState{}
	}
	if latestStop != nil && !latestStart.At.After(latestStop.At) {
		return RunningState{}
	}
	since := latestStart.At
	return RunningState{Running: true, Rate: latestStart.Rate, Since: &since}
}

// SegmentsUpTo reconstructs display segments from the log, considering only
// events at or before t. Each start pairs with the next marker of either
// kind: a stop closes the run, a later start is a rate-change boundary. A
// start with no following marker yields an open segment ending at t.
func SegmentsUpTo(events []*RateEvent, t time.Time) []Segment {
	filtered := make([]*RateEvent, 0, len(events))
	for _, e := range events {
		if !e.At.After(t) {
			filtered = append(filtered, e)
		}
	}
	SortEvents(filtered)

	var segments []Segment
	for i, e := range filtered {
		if e.Kind != KindStart {
			continue
		}
		seg := Segment{Start: e.At, Rate: e.Rate}
		if i+1 < len(filtered) {
			seg.End = filtered[i+1].At
		} else {
			seg.End = t
			seg.Open = true
		}
		segments = append(segments, seg)
	}
	return segments
}

// SegmentsBetween returns, in order, the segments intersecting [from, to].
// Boundaries are the true event times, not clipped to the window; a segment
// still running at to ends there with Open set.
func SegmentsBetween(events []*RateEvent, from, to time.Time) []Segment {
	var segments []Segment
	for _, seg := range SegmentsUpTo(events, to) {
		if seg.End.Before(from) {
			continue
		}
		segments = append(segments, seg)
	}
	return segments
}

// ActiveSessionsAt returns the free-flow sessions running at t, ordered by
// start time then id. Unlike rate-controlled lanes there may be any number
// of simultaneously active sessions; the full list is the derived state.
func ActiveSessionsAt(sessions []*FreeFlowSession, t time.Time) []*FreeFlowSession {
	var active []*FreeFlowSession
	for _, s := range sessions {
		if s.ActiveAt(t) {
			active = append(active, s)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].StartedAt.Equal(active[j].StartedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active
}

// DosesBetween returns the bolus entries within [from, to], ordered by
// timestamp.
func DosesBetween(doses []*DoseEvent, from, to time.Time) []*DoseEvent {
	var out []*DoseEvent
	for _, d := range doses {
		if d.At.Before(from) || d.At.After(to) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}
