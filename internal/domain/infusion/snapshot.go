package infusion

// SnapshotData is the serializable contents of a MemoryStore. The sqlite
// layer persists it across restarts in the standalone deployment.
type SnapshotData struct {
	Swimlanes  []*Swimlane        `json:"swimlanes"`
	RateEvents []*RateEvent       `json:"rate_events"`
	Sessions   []*FreeFlowSession `json:"freeflow_sessions"`
	Doses      []*DoseEvent       `json:"dose_events"`
}

// Export captures the full store contents, detached from store internals
// and deterministically ordered.
func (m *MemoryStore) Export() *SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data := &SnapshotData{}
	for _, lane := range m.lanes {
		data.Swimlanes = append(data.Swimlanes, lane.Clone())
	}
	for _, e := range m.events {
		data.RateEvents = append(data.RateEvents, e.Clone())
	}
	for _, s := range m.sessions {
		data.Sessions = append(data.Sessions, s.Clone())
	}
	for _, d := range m.doses {
		data.Doses = append(data.Doses, d.Clone())
	}
	sortSwimlanes(data.Swimlanes)
	SortEvents(data.RateEvents)
	sortSessions(data.Sessions)
	sortDoses(data.Doses)
	return data
}

// Import replaces the store contents with a snapshot. Sinks are not
// notified; a restore is not a mutation.
func (m *MemoryStore) Import(data *SnapshotData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lanes = make(map[string]*Swimlane, len(data.Swimlanes))
	m.events = make(map[string]*RateEvent, len(data.RateEvents))
	m.sessions = make(map[string]*FreeFlowSession, len(data.Sessions))
	m.doses = make(map[string]*DoseEvent, len(data.Doses))
	for _, lane := range data.Swimlanes {
		m.lanes[lane.ID] = lane.Clone()
	}
	for _, e := range data.RateEvents {
		m.events[e.ID] = e.Clone()
	}
	for _, s := range data.Sessions {
		m.sessions[s.ID] = s.Clone()
	}
	for _, d := range data.Doses {
		m.doses[d.ID] = d.Clone()
	}
}
