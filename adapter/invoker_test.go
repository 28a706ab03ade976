package adapter_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hazyhaar/chartrec/adapter"
	"github.com/hazyhaar/chartrec/browser"
)

type fakeAdapter struct {
	name    string
	payload json.RawMessage
	err     error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Extract(_ context.Context, _ browser.Driver, _ adapter.Params, report adapter.Progress) (json.RawMessage, error) {
	report("extracting", 1, 1)
	return f.payload, f.err
}

const goodRecord = `{
	"demographics": {"prn": "MG422049", "name": "M. Green", "portal_uid": "vol-99"},
	"medications": [
		{"name": "Metformin", "dose": "500mg", "started": "2024-01-01"},
		{"name": "Aspirin", "dose": "81mg"}
	],
	"allergies": [{"substance": "Penicillin", "reaction": "rash", "severity": "moderate"}]
}`

func newInvoker(t *testing.T, a adapter.Adapter) *adapter.Invoker {
	t.Helper()
	reg := adapter.NewRegistry()
	reg.Register(a)
	return adapter.NewInvoker(reg, nil)
}

func TestInvokeSingleRecord(t *testing.T) {
	inv := newInvoker(t, &fakeAdapter{name: "mediportal", payload: json.RawMessage(goodRecord)})

	bundles, err := inv.Invoke(context.Background(), "mediportal", nil, adapter.Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundles) != 1 {
		t.Fatalf("got %d bundles, want 1", len(bundles))
	}
	b := bundles[0]
	if b.Demographics.PRN != "MG422049" {
		t.Fatalf("prn: %q", b.Demographics.PRN)
	}
	// List order is normalized alphabetically.
	if b.Medications[0].Name != "Aspirin" || b.Medications[1].Name != "Metformin" {
		t.Fatalf("medication order: %+v", b.Medications)
	}
}

func TestInvokeRecordList(t *testing.T) {
	payload := json.RawMessage("[" + goodRecord + "," + goodRecord + "]")
	inv := newInvoker(t, &fakeAdapter{name: "mediportal", payload: payload})

	bundles, err := inv.Invoke(context.Background(), "mediportal", nil, adapter.Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(bundles) != 2 {
		t.Fatalf("got %d bundles, want 2", len(bundles))
	}
}

func TestInvokeBadPayload(t *testing.T) {
	cases := map[string]string{
		"missing prn":      `{"demographics": {"name": "M. Green"}}`,
		"missing name":     `{"demographics": {"prn": "MG422049"}}`,
		"medication shape": `{"demographics": {"prn": "X", "name": "Y"}, "medications": [{"dose": "500mg"}]}`,
		"scalar top level": `42`,
		"empty":            ``,
	}
	for label, payload := range cases {
		inv := newInvoker(t, &fakeAdapter{name: "mediportal", payload: json.RawMessage(payload)})
		_, err := inv.Invoke(context.Background(), "mediportal", nil, adapter.Params{}, nil)
		if !errors.Is(err, adapter.ErrBadPayload) {
			t.Fatalf("%s: got %v, want ErrBadPayload", label, err)
		}
	}
}

func TestInvokeNotFoundPassesThrough(t *testing.T) {
	inv := newInvoker(t, &fakeAdapter{name: "mediportal", err: adapter.ErrPatientNotFound})

	_, err := inv.Invoke(context.Background(), "mediportal", nil, adapter.Params{PatientPRN: "NOPE"}, nil)
	if !errors.Is(err, adapter.ErrPatientNotFound) {
		t.Fatalf("got %v, want ErrPatientNotFound", err)
	}
}

func TestInvokeUnknownAdapter(t *testing.T) {
	inv := adapter.NewInvoker(adapter.NewRegistry(), nil)

	_, err := inv.Invoke(context.Background(), "ghost", nil, adapter.Params{}, nil)
	if !errors.Is(err, adapter.ErrUnknownAdapter) {
		t.Fatalf("got %v, want ErrUnknownAdapter", err)
	}
}

func TestNormalizeScrubsMarkup(t *testing.T) {
	payload := json.RawMessage(`{
		"demographics": {"prn": "MG422049", "name": "  <b>M. Green</b> "},
		"health_concerns": [{"description": "<script>x()</script>Fall risk", "note": "<i>monitor</i>"}]
	}`)
	inv := adapter.NewInvoker(adapter.NewRegistry(), nil)

	bundles, err := inv.Normalize(payload)
	if err != nil {
		t.Fatal(err)
	}
	b := bundles[0]
	if b.Demographics.Name != "M. Green" {
		t.Fatalf("name not scrubbed: %q", b.Demographics.Name)
	}
	if b.HealthConcerns[0].Description != "Fall risk" {
		t.Fatalf("description not scrubbed: %q", b.HealthConcerns[0].Description)
	}
	if b.HealthConcerns[0].Note != "monitor" {
		t.Fatalf("note not scrubbed: %q", b.HealthConcerns[0].Note)
	}
}
