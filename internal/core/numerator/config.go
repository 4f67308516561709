package numerator

import (
	"context"
	"sync"
	"time"

	"faktura/internal/core/id"
)

// Config holds numbering configuration.
type Config struct {
	// DefaultPrefix is used when the organization has no prefix configured
	DefaultPrefix string

	// Location defines which calendar year "now" belongs to (default UTC)
	Location *time.Location

	// MaxAttempts bounds the creation-race retry loop (default 5)
	MaxAttempts int

	// RetryInitialInterval and RetryMaxInterval shape the backoff between attempts
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPrefix:        "INV",
		Location:             time.UTC,
		MaxAttempts:          5,
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     100 * time.Millisecond,
	}
}

// StaticPrefixes is an in-memory PrefixSource, filled from configuration.
type StaticPrefixes struct {
	mu       sync.RWMutex
	prefixes map[id.ID]string
}

// NewStaticPrefixes creates a prefix source from an organization->prefix map.
func NewStaticPrefixes(prefixes map[id.ID]string) *StaticPrefixes {
	m := make(map[id.ID]string, len(prefixes))
	for k, v := range prefixes {
		m[k] = v
	}
	return &StaticPrefixes{prefixes: m}
}

// Prefix implements PrefixSource.
func (s *StaticPrefixes) Prefix(_ context.Context, orgID id.ID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefixes[orgID], nil
}

// Set changes the prefix of an organization. Existing counters keep theirs.
func (s *StaticPrefixes) Set(orgID id.ID, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes[orgID] = prefix
}

var _ PrefixSource = (*StaticPrefixes)(nil)
