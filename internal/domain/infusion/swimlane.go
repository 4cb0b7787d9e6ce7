package infusion

import (
	"strings"

	"github.com/google/uuid"
)

// Mode classifies how a swimlane tracks administration.
type Mode string

const (
	// ModeRate is a continuous infusion metered by a rate. On/off state is
	// derived from sparse start/stop markers, at most one course running at
	// a time.
	ModeRate Mode = "rate"
	// ModeFreeFlow is a volumetric infusion tracked as explicit sessions.
	// Several sessions may run in parallel on one lane.
	ModeFreeFlow Mode = "freeflow"
	// ModeBolus is a single point dose with no running state.
	ModeBolus Mode = "bolus"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeRate || m == ModeFreeFlow || m == ModeBolus
}

// Swimlane is one medication/parameter channel within a clinical record's
// dosing timeline. Configuration is owned by hospital administration and
// mirrored into the store; the engine treats it as immutable during a
// clinical session.
type Swimlane struct {
	ID          string   `json:"id"`
	RecordID    string   `json:"record_id"`
	Label       string   `json:"label"`
	Unit        string   `json:"unit,omitempty"`
	Mode        Mode     `json:"mode"`
	RatePresets []string `json:"rate_presets,omitempty"`
	DefaultDose string   `json:"default_dose,omitempty"`
}

// NewSwimlane creates a lane with a generated id.
func NewSwimlane(recordID, label, unit string, mode Mode) *Swimlane {
	return &Swimlane{
		ID:       uuid.New().String(),
		RecordID: recordID,
		Label:    label,
		Unit:     unit,
		Mode:     mode,
	}
}

// Validate checks lane configuration before it is mirrored into the store.
func (s *Swimlane) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "swimlane.id", Reason: "must not be empty"}
	}
	if s.RecordID == "" {
		return &ValidationError{Field: "swimlane.record_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(s.Label) == "" {
		return &ValidationError{Field: "swimlane.label", Reason: "must not be empty"}
	}
	if !s.Mode.Valid() {
		return &ValidationError{Field: "swimlane.mode", Reason: "must be rate, freeflow or bolus"}
	}
	return nil
}

// DosePresets splits a dash-delimited default dose into its preset values.
// Admin configures either a single dose ("50") or a preset triple such as
// "25-35-50"; a plain dose yields one element, an unset dose none.
func (s *Swimlane) DosePresets() []string {
	if s.DefaultDose == "" {
		return nil
	}
	parts := strings.Split(s.DefaultDose, "-")
	presets := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			presets = append(presets, p)
		}
	}
	return presets
}

// Clone returns a copy detached from store internals.
func (s *Swimlane) Clone() *Swimlane {
	c := *s
	if s.RatePresets != nil {
		c.RatePresets = append([]string(nil), s.RatePresets...)
	}
	return &c
}
