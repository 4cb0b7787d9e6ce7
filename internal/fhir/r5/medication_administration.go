// Package r5 provides FHIR R5 data structures for the dosing chart export.
package r5

import "time"

// MedicationAdministration represents a FHIR R5 MedicationAdministration
// resource. This is the resource a charted infusion segment, free-flow
// session or point dose is rendered as.
type MedicationAdministration struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	// Identifiers
	Identifier []Identifier `json:"identifier,omitempty"`

	// Plan or request this administration fulfils
	BasedOn []Reference `json:"basedOn,omitempty"`
	PartOf  []Reference `json:"partOf,omitempty"`

	// Status of the administration
	Status       string            `json:"status"` // in-progress | not-done | on-hold | completed | entered-in-error | stopped | unknown
	StatusReason []CodeableConcept `json:"statusReason,omitempty"`

	// Category of medication usage
	Category []CodeableConcept `json:"category,omitempty"`

	// Medication administered (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) the medication was given to
	Subject Reference `json:"subject"`

	// Encounter the administration is part of
	Encounter *Reference `json:"encounter,omitempty"`

	// Supporting information
	SupportingInformation []Reference `json:"supportingInformation,omitempty"`

	// When the medication was or is being given. The element name keeps the
	// published R5 spelling.
	OccurenceDateTime *time.Time `json:"occurenceDateTime,omitempty"`
	OccurencePeriod   *Period    `json:"occurencePeriod,omitempty"`

	// When the administration was first captured
	Recorded *time.Time `json:"recorded,omitempty"`

	// Sub-potency
	IsSubPotent     bool              `json:"isSubPotent,omitempty"`
	SubPotentReason []CodeableConcept `json:"subPotentReason,omitempty"`

	// Who performed the administration
	Performer []AdministrationPerformer `json:"performer,omitempty"`

	// Reason the medication was given
	Reason []CodeableReference `json:"reason,omitempty"`

	// Request this administration fulfils
	Request *Reference `json:"request,omitempty"`

	// Device used to administer
	Device []CodeableReference `json:"device,omitempty"`

	// Additional notes
	Note []Annotation `json:"note,omitempty"`

	// Details of how the medication was taken
	Dosage *AdministrationDosage `json:"dosage,omitempty"`

	// Event history
	EventHistory []Reference `json:"eventHistory,omitempty"`
}

// AdministrationPerformer identifies who or what performed the
// administration and in what role.
type AdministrationPerformer struct {
	Function *CodeableConcept  `json:"function,omitempty"`
	Actor    CodeableReference `json:"actor"`
}

// AdministrationDosage captures how the medication entered the patient:
// the dose for a discrete administration, the rate for an infusion.
type AdministrationDosage struct {
	Text         string           `json:"text,omitempty"`
	Site         *CodeableConcept `json:"site,omitempty"`
	Route        *CodeableConcept `json:"route,omitempty"`
	Method       *CodeableConcept `json:"method,omitempty"`
	Dose         *Quantity        `json:"dose,omitempty"`
	RateRatio    *Ratio           `json:"rateRatio,omitempty"`
	RateQuantity *Quantity        `json:"rateQuantity,omitempty"`
}

// NewMedicationAdministration creates an administration with the resource
// type set.
func NewMedicationAdministration(id string) *MedicationAdministration {
	return &MedicationAdministration{
		ResourceType: "MedicationAdministration",
		ID:           id,
	}
}

// InProgress reports whether the administration is still running.
func (m *MedicationAdministration) InProgress() bool {
	return m.Status == StatusInProgress
}

// EffectiveStart returns the start of the administration regardless of
// which occurence form is populated.
func (m *MedicationAdministration) EffectiveStart() time.Time {
	if m.OccurenceDateTime != nil {
		return *m.OccurenceDateTime
	}
	if m.OccurencePeriod != nil {
		return m.OccurencePeriod.Start
	}
	return time.Time{}
}
