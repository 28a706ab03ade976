package chart_test

import (
	"testing"

	"github.com/hazyhaar/chartrec/chart"
)

func metformin(dose string) chart.Medication {
	return chart.Medication{Name: "Metformin", Dose: dose, Started: "2022-01-05"}
}

func TestChecksumOrderIndependent(t *testing.T) {
	a := &chart.Bundle{
		Medications: []chart.Medication{metformin("500mg"), {Name: "Lisinopril", Dose: "10mg"}},
		Allergies:   []chart.Allergy{{Substance: "Penicillin", Reaction: "hives"}},
	}
	b := &chart.Bundle{
		Medications: []chart.Medication{{Name: "Lisinopril", Dose: "10mg"}, metformin("500mg")},
		Allergies:   []chart.Allergy{{Substance: "Penicillin", Reaction: "hives"}},
	}
	if chart.ChecksumBundle(a) != chart.ChecksumBundle(b) {
		t.Fatal("checksum must not depend on list ordering")
	}
}

func TestChecksumIgnoresPortalUID(t *testing.T) {
	a := &chart.Bundle{Medications: []chart.Medication{{Name: "Metformin", Dose: "500mg", PortalUID: "uid-111"}}}
	b := &chart.Bundle{Medications: []chart.Medication{{Name: "Metformin", Dose: "500mg", PortalUID: "uid-999"}}}
	if chart.ChecksumBundle(a) != chart.ChecksumBundle(b) {
		t.Fatal("portal UID must be excluded from the checksum")
	}
}

func TestChecksumSensitiveToContent(t *testing.T) {
	a := &chart.Bundle{Medications: []chart.Medication{metformin("500mg")}}
	b := &chart.Bundle{Medications: []chart.Medication{metformin("850mg")}}
	if chart.ChecksumBundle(a) == chart.ChecksumBundle(b) {
		t.Fatal("dose change must change the checksum")
	}
}

func TestChecksumFieldDelimitersEscaped(t *testing.T) {
	// A "|" inside a value must not render to the same projection as the
	// same text partitioned across adjacent fields.
	a := []chart.Detail{{
		Category: chart.CategoryMedication, Name: "Metformin",
		Value: "500mg|2022-01-05", Started: "2022-12-31",
	}}
	b := []chart.Detail{{
		Category: chart.CategoryMedication, Name: "Metformin",
		Value: "500mg", Started: "2022-01-05", Stopped: "2022-12-31",
	}}
	if chart.Checksum(a) == chart.Checksum(b) {
		t.Fatal("delimiter inside a value must not collide across fields")
	}

	// A newline inside a value must not collide with separate details.
	c := []chart.Detail{{
		Category: chart.CategoryHealthConcern, Name: "note",
		Value: "line one\nline two",
	}}
	d := []chart.Detail{
		{Category: chart.CategoryHealthConcern, Name: "note", Value: "line one"},
		{Category: chart.CategoryHealthConcern, Name: "note", Value: "line two"},
	}
	if chart.Checksum(c) == chart.Checksum(d) {
		t.Fatal("newline inside a value must not collide with extra details")
	}
}

func TestChecksumCategorySeparation(t *testing.T) {
	// The same term in different categories must not collide.
	a := &chart.Bundle{Diagnoses: []chart.Diagnosis{{Description: "Asthma"}}}
	b := &chart.Bundle{HealthConcerns: []chart.HealthConcern{{Description: "Asthma"}}}
	if chart.ChecksumBundle(a) == chart.ChecksumBundle(b) {
		t.Fatal("category must be part of the projection")
	}
}

func TestDetailsExcludeAuxiliary(t *testing.T) {
	b := &chart.Bundle{
		Medications: []chart.Medication{metformin("500mg")},
		Vitals:      []chart.Vital{{Kind: "bp", Value: "120/80"}},
		LabRefs:     []chart.LabRef{{Name: "HbA1c", Ref: "lab-1"}},
	}
	if n := len(b.Details()); n != 1 {
		t.Fatalf("got %d details, want 1 (vitals and lab refs are auxiliary)", n)
	}
}

func TestConflictSeverity(t *testing.T) {
	cases := map[chart.Category]chart.Severity{
		chart.CategoryAllergy:       chart.SeverityHigh,
		chart.CategoryDiagnosis:     chart.SeverityHigh,
		chart.CategoryMedication:    chart.SeverityMedium,
		chart.CategoryHealthConcern: chart.SeverityLow,
		chart.CategoryDemographics:  chart.SeverityLow,
	}
	for cat, want := range cases {
		if got := chart.ConflictSeverity(cat); got != want {
			t.Errorf("%s: got %s, want %s", cat, got, want)
		}
	}
}
