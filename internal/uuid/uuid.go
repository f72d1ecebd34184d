// Package uuid generates and validates the v4 identifiers used for conflicts and queued mutations.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces a new identifier. Components accept one so tests can pin ids.
type Generator func() string

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// Sequence returns a Generator yielding prefix-1, prefix-2, ... for deterministic tests.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// IsValid reports whether s is a canonical (dashed, 36 character) UUID v4.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Validate returns an error if s is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
