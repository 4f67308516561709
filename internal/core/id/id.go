// Package id provides the identifiers of organizations, the tenants that own
// invoice sequences.
package id

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID identifies an organization. Counters, receipts and prefixes are keyed by it.
type ID = uuid.UUID

// ErrNil is returned by Parse for the all-zero UUID, which no organization has.
var ErrNil = errors.New("organization id must not be the nil uuid")

// New returns a time-ordered UUIDv7, or a random v4 if the clock source fails.
func New() ID {
	v, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return v
}

// Parse reads an organization id from CLI flags, config keys and
// notification payloads. Surrounding whitespace is ignored.
func Parse(s string) (ID, error) {
	v, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid organization id %q: %w", s, err)
	}
	if v == uuid.Nil {
		return uuid.Nil, ErrNil
	}
	return v, nil
}

// IsNil reports whether v is the zero ID.
func IsNil(v ID) bool {
	return v == uuid.Nil
}
