// Package adapter defines the contract between the scheduler and pluggable
// portal extraction routines, plus the Invoker that turns their loosely-typed
// JSON output into canonical chart bundles.
//
// Adapters are portal-specific: they know which URLs to visit and which
// selectors hold patient data. They receive an already-authenticated browser
// session and return raw JSON. Everything downstream of the Invoker operates
// only on typed chart.Bundle values.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hazyhaar/chartrec/browser"
)

var (
	// ErrPatientNotFound means the portal has no patient matching the
	// requested identifier. Fatal for the job, but semantically distinct
	// from a malformed payload.
	ErrPatientNotFound = errors.New("adapter: patient not found")

	// ErrBadPayload means the adapter returned JSON that does not match the
	// canonical patient schema.
	ErrBadPayload = errors.New("adapter: payload does not match canonical schema")

	// ErrUnknownAdapter means no adapter is registered under the given name.
	ErrUnknownAdapter = errors.New("adapter: unknown adapter")
)

// Params carries the extraction parameters a job resolved for one invocation.
type Params struct {
	Mode             string `json:"mode"`
	PatientPRN       string `json:"patient_prn,omitempty"`
	MedicationFilter string `json:"medication_filter,omitempty"`
	RangeStart       string `json:"range_start,omitempty"`
	RangeEnd         string `json:"range_end,omitempty"`
	Provider         string `json:"provider,omitempty"`

	// OnlyPRNs, when non-empty, restricts an all-patients extraction to the
	// listed record numbers. Resume retries set it so patients that already
	// have a complete capture are not crawled again.
	OnlyPRNs []string `json:"only_prns,omitempty"`
}

// Progress lets an adapter report discrete extraction steps upward. done must
// be monotonically increasing per invocation.
type Progress func(step string, done, total int)

// Adapter is one pluggable portal extraction routine. Extract returns the raw
// portal payload: either a single patient object or an array of them. An
// adapter signals a missing patient with ErrPatientNotFound.
type Adapter interface {
	Name() string
	Extract(ctx context.Context, drv browser.Driver, p Params, report Progress) (json.RawMessage, error)
}

// Registry holds adapters by name. The zero value is unusable; use
// NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Re-registering a name replaces the previous
// adapter, which is how tests swap in fakes.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

// Names lists the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
