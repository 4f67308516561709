// Package numerator provides domain contracts for gapless invoice numbering.
// Implementations live in infrastructure layer.
package numerator

import (
	"fmt"
	"time"

	"faktura/internal/core/id"
)

// Key identifies one sequence: an organization within a calendar year.
// It is also the unit of locking.
type Key struct {
	OrganizationID id.ID
	Year           int
}

// String renders the key for logs and lock maps.
func (k Key) String() string {
	return fmt.Sprintf("%s/%04d", k.OrganizationID, k.Year)
}

// Validate checks that the key addresses a real sequence.
func (k Key) Validate() error {
	if id.IsNil(k.OrganizationID) {
		return fmt.Errorf("organization id is required")
	}
	if k.Year < MinYear || k.Year > MaxYear {
		return fmt.Errorf("year %d is not a four-digit year", k.Year)
	}
	return nil
}

// Counter is the persistent state of one sequence.
// LastIssued is the only field that changes after creation and never decreases.
type Counter struct {
	OrganizationID id.ID
	Year           int
	Prefix         string
	LastIssued     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewCounter creates a fresh counter with nothing issued yet.
func NewCounter(key Key, prefix string) *Counter {
	return &Counter{
		OrganizationID: key.OrganizationID,
		Year:           key.Year,
		Prefix:         prefix,
		LastIssued:     0,
	}
}

// Key returns the counter's natural key.
func (c *Counter) Key() Key {
	return Key{OrganizationID: c.OrganizationID, Year: c.Year}
}

// Increment advances the counter by exactly one and returns the new value.
func (c *Counter) Increment() int64 {
	c.LastIssued++
	return c.LastIssued
}

// Next returns the value the next allocation would receive.
func (c *Counter) Next() int64 {
	return c.LastIssued + 1
}

// Number formats the last issued value.
func (c *Counter) Number() string {
	return Format(c.Prefix, c.Year, c.LastIssued)
}
