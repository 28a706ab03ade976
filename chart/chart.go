// Package chart defines the canonical patient-data shape shared by portal
// adapters, the reconciliation engine, and the persistent store.
//
// Adapters surface loosely-typed portal payloads; the adapter invoker
// normalizes them into a Bundle before they reach any engine logic. A Bundle
// flattens into Detail rows for persistence and for the canonical content
// checksum (see checksum.go). Portal-internal identifiers are carried for
// debugging but never participate in checksums.
package chart

import "strings"

// Category tags one class of clinical detail.
type Category string

const (
	CategoryMedication    Category = "medication"
	CategoryDiagnosis     Category = "diagnosis"
	CategoryAllergy       Category = "allergy"
	CategoryHealthConcern Category = "health_concern"
	CategoryDemographics  Category = "demographics"
)

// Severity ranks how serious a detected conflict in a category is.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ConflictSeverity maps a detail category to the severity of a disagreement
// in that category. Allergy and diagnosis changes outrank medication changes,
// which outrank administrative fields.
func ConflictSeverity(c Category) Severity {
	switch c {
	case CategoryAllergy, CategoryDiagnosis:
		return SeverityHigh
	case CategoryMedication:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Demographics identifies a patient. PRN is the stable cross-session key;
// PortalUID is whatever volatile identifier the portal assigned and is
// excluded from all content comparisons.
type Demographics struct {
	PRN         string `json:"prn"`
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	Address     string `json:"address,omitempty"`
	PortalUID   string `json:"portal_uid,omitempty"`
}

// Medication is one prescribed medication with its active interval.
type Medication struct {
	Name       string `json:"name"`
	Dose       string `json:"dose,omitempty"`
	Prescriber string `json:"prescriber,omitempty"`
	Started    string `json:"started,omitempty"` // YYYY-MM-DD
	Stopped    string `json:"stopped,omitempty"` // YYYY-MM-DD, empty = ongoing
	PortalUID  string `json:"portal_uid,omitempty"`
}

// Diagnosis is one coded or free-text diagnosis.
type Diagnosis struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description"`
	Started     string `json:"started,omitempty"`
	Stopped     string `json:"stopped,omitempty"`
	PortalUID   string `json:"portal_uid,omitempty"`
}

// Allergy is one recorded allergy or intolerance.
type Allergy struct {
	Substance string `json:"substance"`
	Reaction  string `json:"reaction,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Noted     string `json:"noted,omitempty"`
	PortalUID string `json:"portal_uid,omitempty"`
}

// HealthConcern is one active or resolved health concern.
type HealthConcern struct {
	Description string `json:"description"`
	Note        string `json:"note,omitempty"`
	Started     string `json:"started,omitempty"`
	Stopped     string `json:"stopped,omitempty"`
	PortalUID   string `json:"portal_uid,omitempty"`
}

// Vital is an optional measurement (blood pressure, weight, ...).
type Vital struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
	Taken string `json:"taken,omitempty"`
}

// Appointment is an optional upcoming or past appointment reference.
type Appointment struct {
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason,omitempty"`
	At       string `json:"at,omitempty"`
}

// LabRef is an optional pointer to a lab result held elsewhere.
type LabRef struct {
	Name string `json:"name"`
	Ref  string `json:"ref,omitempty"`
}

// Bundle is the canonical shape of one patient as captured by one extraction.
type Bundle struct {
	Demographics   Demographics    `json:"demographics"`
	Medications    []Medication    `json:"medications,omitempty"`
	Diagnoses      []Diagnosis     `json:"diagnoses,omitempty"`
	Allergies      []Allergy       `json:"allergies,omitempty"`
	HealthConcerns []HealthConcern `json:"health_concerns,omitempty"`
	Vitals         []Vital         `json:"vitals,omitempty"`
	Appointments   []Appointment   `json:"appointments,omitempty"`
	LabRefs        []LabRef        `json:"lab_refs,omitempty"`
}

// Detail is one flattened clinical row, the unit of persistence and of the
// canonical checksum. Name holds the primary term (medication name, diagnosis
// description, allergen, concern); Value holds the secondary attributes
// joined in a fixed order.
type Detail struct {
	Category Category `json:"category"`
	Name     string   `json:"name"`
	Value    string   `json:"value,omitempty"`
	Started  string   `json:"started,omitempty"`
	Stopped  string   `json:"stopped,omitempty"`
}

// Details flattens the bundle's four checksummed categories into rows.
// Vitals, appointments and lab refs are auxiliary and not part of the
// reconciled clinical detail set.
func (b *Bundle) Details() []Detail {
	out := make([]Detail, 0,
		len(b.Medications)+len(b.Diagnoses)+len(b.Allergies)+len(b.HealthConcerns))
	for _, m := range b.Medications {
		out = append(out, Detail{
			Category: CategoryMedication,
			Name:     m.Name,
			Value:    joinAttrs(m.Dose, m.Prescriber),
			Started:  m.Started,
			Stopped:  m.Stopped,
		})
	}
	for _, d := range b.Diagnoses {
		out = append(out, Detail{
			Category: CategoryDiagnosis,
			Name:     d.Description,
			Value:    d.Code,
			Started:  d.Started,
			Stopped:  d.Stopped,
		})
	}
	for _, a := range b.Allergies {
		out = append(out, Detail{
			Category: CategoryAllergy,
			Name:     a.Substance,
			Value:    joinAttrs(a.Reaction, a.Severity),
			Started:  a.Noted,
		})
	}
	for _, h := range b.HealthConcerns {
		out = append(out, Detail{
			Category: CategoryHealthConcern,
			Name:     h.Description,
			Value:    h.Note,
			Started:  h.Started,
			Stopped:  h.Stopped,
		})
	}
	return out
}

// joinAttrs joins non-empty attributes with a fixed separator so the same
// logical content always renders identically.
func joinAttrs(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " / ")
}
