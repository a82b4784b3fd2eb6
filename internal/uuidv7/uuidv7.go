// Package uuidv7 issues time-ordered request identifiers.
package uuidv7

import (
	"strings"

	"github.com/google/uuid"
)

// NewString returns a fresh UUIDv7 in canonical form.
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Accept returns candidate when it is a well-formed UUIDv7 supplied by an
// upstream proxy, otherwise a fresh id.
func Accept(candidate string) string {
	if candidate = strings.TrimSpace(candidate); candidate != "" {
		if id, err := uuid.Parse(candidate); err == nil && id.Version() == 7 {
			return id.String()
		}
	}
	return NewString()
}
