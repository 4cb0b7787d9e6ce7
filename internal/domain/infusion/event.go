// Package infusion implements the dosing timeline engine: the event model
// for rate-controlled and free-flow administration, the pure derivation of
// running state from the event log, and the command layer that mutates it.
package infusion

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags a rate event as a start marker or a stop marker.
type EventKind string

const (
	// KindStart marks the infusion running at the event's rate from its
	// timestamp onward.
	KindStart EventKind = "start"
	// KindStop marks the infusion stopped at the event's timestamp. A stop
	// carries no rate.
	KindStop EventKind = "stop"
)

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	return k == KindStart || k == KindStop
}

// RateEvent is one marker in a rate-controlled swimlane's log. Within one
// swimlane no two events share a timestamp; ordering by timestamp is the
// only ordering that matters, never array position.
type RateEvent struct {
	ID         string    `json:"id"`
	SwimlaneID string    `json:"swimlane_id"`
	At         time.Time `json:"at"`
	Kind       EventKind `json:"kind"`
	Rate       string    `json:"rate,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewStart creates a start marker carrying the rate in effect from at.
func NewStart(swimlaneID string, at time.Time, rate string) *RateEvent {
	return &RateEvent{
		ID:         uuid.New().String(),
		SwimlaneID: swimlaneID,
		At:         TruncateMillis(at),
		Kind:       KindStart,
		Rate:       rate,
	}
}

// NewStop creates a stop marker at the given time.
func NewStop(swimlaneID string, at time.Time) *RateEvent {
	return &RateEvent{
		ID:         uuid.New().String(),
		SwimlaneID: swimlaneID,
		At:         TruncateMillis(at),
		Kind:       KindStop,
	}
}

// Clone returns a copy detached from store internals.
func (e *RateEvent) Clone() *RateEvent {
	c := *e
	return &c
}

// FreeFlowSession is one explicit administration interval on a free-flow
// swimlane. Several sessions may run concurrently on the same lane; their
// lifecycles are fully independent.
type FreeFlowSession struct {
	ID         string     `json:"id"`
	SwimlaneID string     `json:"swimlane_id"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	Dose       string     `json:"dose"`
	Label      string     `json:"label,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewFreeFlowSession opens a session running from start.
func NewFreeFlowSession(swimlaneID string, start time.Time, dose, label string) *FreeFlowSession {
	return &FreeFlowSession{
		ID:         uuid.New().String(),
		SwimlaneID: swimlaneID,
		StartedAt:  TruncateMillis(start),
		Dose:       dose,
		Label:      label,
	}
}

// ActiveAt reports whether the session is running at t: started no later
// than t and not yet stopped, or stopped strictly after t.
func (s *FreeFlowSession) ActiveAt(t time.Time) bool {
	if s.StartedAt.After(t) {
		return false
	}
	return s.StoppedAt == nil || s.StoppedAt.After(t)
}

// Clone returns a copy detached from store internals.
func (s *FreeFlowSession) Clone() *FreeFlowSession {
	c := *s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		c.StoppedAt = &t
	}
	return &c
}

// DoseEvent is a single point-in-time administration on a bolus swimlane.
// It is a fact, not an interval; it carries no running state.
type DoseEvent struct {
	ID         string    `json:"id"`
	SwimlaneID string    `json:"swimlane_id"`
	At         time.Time `json:"at"`
	Dose       string    `json:"dose"`
	Note       string    `json:"note,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewDoseEvent creates a bolus entry.
func NewDoseEvent(swimlaneID string, at time.Time, dose, note string) *DoseEvent {
	return &DoseEvent{
		ID:         uuid.New().String(),
		SwimlaneID: swimlaneID,
		At:         TruncateMillis(at),
		Dose:       dose,
		Note:       note,
	}
}

// Clone returns a copy detached from store internals.
func (d *DoseEvent) Clone() *DoseEvent {
	c := *d
	return &c
}

// TruncateMillis normalizes a timestamp to the engine's millisecond
// resolution, in UTC. Every write path applies it once at the boundary.
func TruncateMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
