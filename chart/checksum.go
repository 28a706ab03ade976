package chart

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// fieldEscaper keeps the projection delimiters out of field values, so a
// value containing "|" or a newline cannot render to the same block as a
// differently partitioned detail set.
var fieldEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`, "\n", `\n`)

// Checksum computes the canonical content hash of a clinical detail set.
//
// The projection is fixed and order-independent: each detail renders to one
// line "category|name|value|started|stopped" with delimiters escaped inside
// fields, the lines are sorted, and the sorted block is hashed with SHA-256.
// Two semantically identical payloads therefore hash identically regardless
// of the ordering the portal (or the adapter) returned them in, and distinct
// detail sets never share a projection. Portal-internal identifiers and
// session metadata never enter the projection.
func Checksum(details []Detail) string {
	lines := make([]string, 0, len(details))
	for _, d := range details {
		fields := []string{string(d.Category), d.Name, d.Value, d.Started, d.Stopped}
		for i, f := range fields {
			fields[i] = fieldEscaper.Replace(f)
		}
		lines = append(lines, strings.Join(fields, "|"))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// ChecksumBundle is shorthand for Checksum(b.Details()).
func ChecksumBundle(b *Bundle) string {
	return Checksum(b.Details())
}
