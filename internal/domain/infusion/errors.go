package infusion

import (
	"fmt"
	"time"
)

// ValidationError reports malformed command input: empty rate on a start,
// a non-numeric dose where numeric is required, an unknown mode. Always
// recoverable locally; the caller re-prompts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a reference to an entity that does not exist, such
// as an edit against an entry another clinician already deleted.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// TimestampCollisionError reports a write that would place two events at
// the same instant on one swimlane. The store rejects; the command layer
// absorbs it by nudging the timestamp forward.
type TimestampCollisionError struct {
	SwimlaneID string
	At         time.Time
}

func (e *TimestampCollisionError) Error() string {
	return fmt.Sprintf("timestamp collision on swimlane %s at %s", e.SwimlaneID, e.At.Format(time.RFC3339Nano))
}

// ConcurrentModificationWarning is advisory only: the write went through,
// but the entry changed after the caller's read. Logged and audited so a
// supervising clinician can review close edits; never blocks.
type ConcurrentModificationWarning struct {
	Entity    EntityKind `json:"entity"`
	EntityID  string     `json:"entity_id"`
	ReadAt    time.Time  `json:"read_at"`
	ChangedAt time.Time  `json:"changed_at"`
}

// Message renders the advisory for logs and responses.
func (w *ConcurrentModificationWarning) Message() string {
	return fmt.Sprintf("%s %s changed at %s, after the caller's read at %s",
		w.Entity, w.EntityID, w.ChangedAt.Format(time.RFC3339Nano), w.ReadAt.Format(time.RFC3339Nano))
}
