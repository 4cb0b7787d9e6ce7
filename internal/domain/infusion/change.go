package infusion

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind names the entity a committed mutation touched.
type EntityKind string

const (
	EntityRateEvent EntityKind = "rate_event"
	EntitySession   EntityKind = "freeflow_session"
	EntityDose      EntityKind = "dose_event"
	EntitySwimlane  EntityKind = "swimlane"
)

// ChangeAction describes what a committed mutation did.
type ChangeAction string

const (
	ActionCreated ChangeAction = "created"
	ActionUpdated ChangeAction = "updated"
	ActionDeleted ChangeAction = "deleted"
)

// Change is the payload published after a committed mutation. Other record
// viewers re-derive from the store on receipt; the payload carries identity,
// not state.
type Change struct {
	ID         string       `json:"id"`
	RecordID   string       `json:"record_id"`
	SwimlaneID string       `json:"swimlane_id"`
	Entity     EntityKind   `json:"entity"`
	EntityID   string       `json:"entity_id"`
	Action     ChangeAction `json:"action"`
	At         time.Time    `json:"at"`
}

// NewChange builds a change payload for a committed mutation.
func NewChange(recordID, swimlaneID string, entity EntityKind, entityID string, action ChangeAction) *Change {
	return &Change{
		ID:         uuid.New().String(),
		RecordID:   recordID,
		SwimlaneID: swimlaneID,
		Entity:     entity,
		EntityID:   entityID,
		Action:     action,
		At:         time.Now().UTC(),
	}
}

// ChangeSink receives the change produced by each committed mutation. The
// in-memory store notifies sinks directly; the postgres store writes outbox
// rows instead and the relay publishes them.
type ChangeSink interface {
	ChangeCommitted(ch *Change)
}
