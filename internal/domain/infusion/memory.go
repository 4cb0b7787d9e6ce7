package infusion

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store implementation. It backs tests and
// the standalone deployment; the sqlite layer persists snapshots around it.
// All methods are safe for concurrent use. Committed mutations are pushed
// to registered sinks after the lock is released.
type MemoryStore struct {
	mu       sync.RWMutex
	lanes    map[string]*Swimlane
	events   map[string]*RateEvent
	sessions map[string]*FreeFlowSession
	doses    map[string]*DoseEvent
	sinks    []ChangeSink
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lanes:    make(map[string]*Swimlane),
		events:   make(map[string]*RateEvent),
		sessions: make(map[string]*FreeFlowSession),
		doses:    make(map[string]*DoseEvent),
		now:      time.Now,
	}
}

// AddSink registers a sink for committed changes.
func (m *MemoryStore) AddSink(sink ChangeSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

func (m *MemoryStore) notify(ch *Change) {
	m.mu.RLock()
	sinks := append([]ChangeSink(nil), m.sinks...)
	m.mu.RUnlock()
	for _, s := range sinks {
		s.ChangeCommitted(ch)
	}
}

// UpsertSwimlane mirrors lane configuration into the store.
func (m *MemoryStore) UpsertSwimlane(_ context.Context, lane *Swimlane) error {
	m.mu.Lock()
	m.lanes[lane.ID] = lane.Clone()
	m.mu.Unlock()
	m.notify(NewChange(lane.RecordID, lane.ID, EntitySwimlane, lane.ID, ActionUpdated))
	return nil
}

// Swimlane returns the lane with the given id.
func (m *MemoryStore) Swimlane(_ context.Context, id string) (*Swimlane, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lane, ok := m.lanes[id]
	if !ok {
		return nil, &NotFoundError{Kind: "swimlane", ID: id}
	}
	return lane.Clone(), nil
}

// SwimlanesByRecord returns all lanes of a clinical record, ordered by label
// then id.
func (m *MemoryStore) SwimlanesByRecord(_ context.Context, recordID string) ([]*Swimlane, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lanes []*Swimlane
	for _, lane := range m.lanes {
		if lane.RecordID == recordID {
			lanes = append(lanes, lane.Clone())
		}
	}
	sortSwimlanes(lanes)
	return lanes, nil
}

// AppendRateEvent adds a marker to a swimlane's log. A timestamp already
// taken on that lane is rejected with TimestampCollisionError.
func (m *MemoryStore) AppendRateEvent(_ context.Context, e *RateEvent) error {
	m.mu.Lock()
	lane, ok := m.lanes[e.SwimlaneID]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "swimlane", ID: e.SwimlaneID}
	}
	for _, existing := range m.events {
		if existing.SwimlaneID == e.SwimlaneID && existing.At.Equal(e.At) {
			m.mu.Unlock()
			return &TimestampCollisionError{SwimlaneID: e.SwimlaneID, At: e.At}
		}
	}
	stored := e.Clone()
	stored.UpdatedAt = m.now().UTC()
	m.events[stored.ID] = stored
	e.UpdatedAt = stored.UpdatedAt
	m.mu.Unlock()
	m.notify(NewChange(lane.RecordID, e.SwimlaneID, EntityRateEvent, e.ID, ActionCreated))
	return nil
}

// RateEvent returns the event with the given id.
func (m *MemoryStore) RateEvent(_ context.Context, id string) (*RateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, &NotFoundError{Kind: "rate event", ID: id}
	}
	return e.Clone(), nil
}

// UpdateRateEvent replaces an event in place. Moving it onto another
// event's timestamp is rejected with TimestampCollisionError.
func (m *MemoryStore) UpdateRateEvent(_ context.Context, e *RateEvent) error {
	m.mu.Lock()
	current, ok := m.events[e.ID]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "rate event", ID: e.ID}
	}
	for _, existing := range m.events {
		if existing.ID != e.ID && existing.SwimlaneID == current.SwimlaneID && existing.At.Equal(e.At) {
			m.mu.Unlock()
			return &TimestampCollisionError{SwimlaneID: current.SwimlaneID, At: e.At}
		}
	}
	recordID := ""
	if lane, ok := m.lanes[current.SwimlaneID]; ok {
		recordID = lane.RecordID
	}
	stored := e.Clone()
	stored.SwimlaneID = current.SwimlaneID
	stored.UpdatedAt = m.now().UTC()
	m.events[stored.ID] = stored
	e.SwimlaneID = stored.SwimlaneID
	e.UpdatedAt = stored.UpdatedAt
	m.mu.Unlock()
	m.notify(NewChange(recordID, stored.SwimlaneID, EntityRateEvent, stored.ID, ActionUpdated))
	return nil
}

// RemoveRateEvent deletes an event from the log.
func (m *MemoryStore) RemoveRateEvent(_ context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.events[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "rate event", ID: id}
	}
	recordID := ""
	if lane, ok := m.lanes[e.SwimlaneID]; ok {
		recordID = lane.RecordID
	}
	delete(m.events, id)
	m.mu.Unlock()
	m.notify(NewChange(recordID, e.SwimlaneID, EntityRateEvent, id, ActionDeleted))
	return nil
}

// RateEvents returns a swimlane's log sorted ascending by timestamp.
func (m *MemoryStore) RateEvents(_ context.Context, swimlaneID string) ([]*RateEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []*RateEvent
	for _, e := range m.events {
		if e.SwimlaneID == swimlaneID {
			events = append(events, e.Clone())
		}
	}
	SortEvents(events)
	return events, nil
}

// InsertSession adds a free-flow session.
func (m *MemoryStore) InsertSession(_ context.Context, s *FreeFlowSession) error {
	m.mu.Lock()
	lane, ok := m.lanes[s.SwimlaneID]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "swimlane", ID: s.SwimlaneID}
	}
	stored := s.Clone()
	stored.UpdatedAt = m.now().UTC()
	m.sessions[stored.ID] = stored
	s.UpdatedAt = stored.UpdatedAt
	m.mu.Unlock()
	m.notify(NewChange(lane.RecordID, s.SwimlaneID, EntitySession, s.ID, ActionCreated))
	return nil
}

// Session returns the session with the given id.
func (m *MemoryStore) Session(_ context.Context, id string) (*FreeFlowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &NotFoundError{Kind: "freeflow session", ID: id}
	}
	return s.Clone(), nil
}

// UpdateSession replaces a session in place.
func (m *MemoryStore) UpdateSession(_ context.Context, s *FreeFlowSession) error {
	m.mu.Lock()
	current, ok := m.sessions[s.ID]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "freeflow session", ID: s.ID}
	}
	recordID := ""
	if lane, ok := m.lanes[current.SwimlaneID]; ok {
		recordID = lane.RecordID
	}
	stored := s.Clone()
	stored.SwimlaneID = current.SwimlaneID
	stored.UpdatedAt = m.now().UTC()
	m.sessions[stored.ID] = stored
	s.SwimlaneID = stored.SwimlaneID
	s.UpdatedAt = stored.UpdatedAt
	m.mu.Unlock()
	m.notify(NewChange(recordID, stored.SwimlaneID, EntitySession, stored.ID, ActionUpdated))
	return nil
}

// RemoveSession deletes a session entirely. Stopping is an update; deletion
// removes the interval and any rendering of it.
func (m *MemoryStore) RemoveSession(_ context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "freeflow session", ID: id}
	}
	recordID := ""
	if lane, ok := m.lanes[s.SwimlaneID]; ok {
		recordID = lane.RecordID
	}
	delete(m.sessions, id)
	m.mu.Unlock()
	m.notify(NewChange(recordID, s.SwimlaneID, EntitySession, id, ActionDeleted))
	return nil
}

// Sessions returns a swimlane's sessions ordered by start time then id.
func (m *MemoryStore) Sessions(_ context.Context, swimlaneID string) ([]*FreeFlowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sessions []*FreeFlowSession
	for _, s := range m.sessions {
		if s.SwimlaneID == swimlaneID {
			sessions = append(sessions, s.Clone())
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

// InsertDose adds a bolus entry.
func (m *MemoryStore) InsertDose(_ context.Context, d *DoseEvent) error {
	m.mu.Lock()
	lane, ok := m.lanes[d.SwimlaneID]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "swimlane", ID: d.SwimlaneID}
	}
	stored := d.Clone()
	stored.UpdatedAt = m.now().UTC()
	m.doses[stored.ID] = stored
	d.UpdatedAt = stored.UpdatedAt
	m.mu.Unlock()
	m.notify(NewChange(lane.RecordID, d.SwimlaneID, EntityDose, d.ID, ActionCreated))
	return nil
}

// Dose returns the bolus entry with the given id.
func (m *MemoryStore) Dose(_ context.Context, id string) (*DoseEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doses[id]
	if !ok {
		return nil, &NotFoundError{Kind: "dose event", ID: id}
	}
	return d.Clone(), nil
}

// UpdateDose replaces a bolus entry in place.
func (m *MemoryStore) UpdateDose(_ context.Context, d *DoseEvent) error {
	m.mu.Lock()
	current, ok := m.doses[d.ID]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "dose event", ID: d.ID}
	}
	recordID := ""
	if lane, ok := m.lanes[current.SwimlaneID]; ok {
		recordID = lane.RecordID
	}
	stored := d.Clone()
	stored.SwimlaneID = current.SwimlaneID
	stored.UpdatedAt = m.now().UTC()
	m.doses[stored.ID] = stored
	d.SwimlaneID = stored.SwimlaneID
	d.UpdatedAt = stored.UpdatedAt
	m.mu.Unlock()
	m.notify(NewChange(recordID, stored.SwimlaneID, EntityDose, stored.ID, ActionUpdated))
	return nil
}

// RemoveDose deletes a bolus entry.
func (m *MemoryStore) RemoveDose(_ context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.doses[id]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "dose event", ID: id}
	}
	recordID := ""
	if lane, ok := m.lanes[d.SwimlaneID]; ok {
		recordID = lane.RecordID
	}
	delete(m.doses, id)
	m.mu.Unlock()
	m.notify(NewChange(recordID, d.SwimlaneID, EntityDose, id, ActionDeleted))
	return nil
}

// Doses returns a swimlane's bolus entries ordered by timestamp then id.
func (m *MemoryStore) Doses(_ context.Context, swimlaneID string) ([]*DoseEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var doses []*DoseEvent
	for _, d := range m.doses {
		if d.SwimlaneID == swimlaneID {
			doses = append(doses, d.Clone())
		}
	}
	sortDoses(doses)
	return doses, nil
}

func sortSwimlanes(lanes []*Swimlane) {
	sort.SliceStable(lanes, func(i, j int) bool {
		if lanes[i].Label == lanes[j].Label {
			return lanes[i].ID < lanes[j].ID
		}
		return lanes[i].Label < lanes[j].Label
	})
}

func sortSessions(sessions []*FreeFlowSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}

func sortDoses(doses []*DoseEvent) {
	sort.SliceStable(doses, func(i, j int) bool {
		if doses[i].At.Equal(doses[j].At) {
			return doses[i].ID < doses[j].ID
		}
		return doses[i].At.Before(doses[j].At)
	})
}
