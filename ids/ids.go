// Package ids provides ID generation for chartrec entities.
//
// Every persisted row gets a UUIDv7 (time-sortable) with a short type prefix
// so identifiers are self-describing in logs and API payloads.
package ids

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every ID from gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Default is the module-wide default generator.
var Default Generator = UUIDv7()

// Entity prefixes used across the store.
var (
	NewJobID      = Prefixed("job_", Default)
	NewSessionID  = Prefixed("ses_", Default)
	NewLinkID     = Prefixed("lnk_", Default)
	NewDetailID   = Prefixed("det_", Default)
	NewConflictID = Prefixed("cfl_", Default)
	NewCommandID  = Prefixed("cmd_", Default)
)
