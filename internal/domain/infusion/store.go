package infusion

import "context"

// Store is the persistence contract of the engine. Implementations must
// keep each swimlane's log free of duplicate timestamps, rejecting a
// colliding write with TimestampCollisionError, and must return listings
// sorted ascending by timestamp regardless of insertion order. The store
// does not interpret rates; a stop marker is data, not a special case.
//
// Every mutation is atomic from the caller's perspective: an abandoned call
// leaves the log fully committed or fully absent.
type Store interface {
	UpsertSwimlane(ctx context.Context, lane *Swimlane) error
	Swimlane(ctx context.Context, id string) (*Swimlane, error)
	SwimlanesByRecord(ctx context.Context, recordID string) ([]*Swimlane, error)

	AppendRateEvent(ctx context.Context, e *RateEvent) error
	RateEvent(ctx context.Context, id string) (*RateEvent, error)
	UpdateRateEvent(ctx context.Context, e *RateEvent) error
	RemoveRateEvent(ctx context.Context, id string) error
	RateEvents(ctx context.Context, swimlaneID string) ([]*RateEvent, error)

	InsertSession(ctx context.Context, s *FreeFlowSession) error
	Session(ctx context.Context, id string) (*FreeFlowSession, error)
	UpdateSession(ctx context.Context, s *FreeFlowSession) error
	RemoveSession(ctx context.Context, id string) error
	Sessions(ctx context.Context, swimlaneID string) ([]*FreeFlowSession, error)

	InsertDose(ctx context.Context, d *DoseEvent) error
	Dose(ctx context.Context, id string) (*DoseEvent, error)
	UpdateDose(ctx context.Context, d *DoseEvent) error
	RemoveDose(ctx context.Context, id string) error
	Doses(ctx context.Context, swimlaneID string) ([]*DoseEvent, error)
}
