package numerator

import (
	"context"
	"errors"

	"faktura/internal/core/id"
)

// Store errors. Adapters translate driver errors into these.
var (
	// ErrCounterNotFound means no counter row exists for the key.
	ErrCounterNotFound = errors.New("sequence counter not found")

	// ErrCounterExists means another transaction created the row first.
	ErrCounterExists = errors.New("sequence counter already exists")

	// ErrLockTimeout means the row stayed locked longer than the store allows.
	ErrLockTimeout = errors.New("sequence counter lock timeout")

	// ErrUnavailable means the store failed in a way that may clear up on its
	// own: lost connection, serialization failure, deadlock, statement timeout.
	ErrUnavailable = errors.New("sequence store temporarily unavailable")
)

// Store is durable counter storage keyed by (organization, year).
//
// FindAndLock, Create and Save must be called inside a transaction started by
// the tx.Manager that belongs to the same storage backend; the row lock lives
// until that transaction ends.
type Store interface {
	// FindAndLock returns the counter and holds an exclusive lock on it.
	// No concurrent transaction may read-for-update or modify the row until
	// the caller's transaction ends. Returns ErrCounterNotFound when absent.
	FindAndLock(ctx context.Context, key Key) (*Counter, error)

	// Create inserts a new counter. Returns ErrCounterExists when a row with
	// the same (organization, year) is already present.
	Create(ctx context.Context, c *Counter) error

	// Save persists LastIssued of a counter locked by FindAndLock or created
	// by Create in the same transaction.
	Save(ctx context.Context, c *Counter) error

	// Get reads a counter without locking it.
	Get(ctx context.Context, key Key) (*Counter, error)

	// ListByOrganization returns every counter of an organization ordered by year.
	ListByOrganization(ctx context.Context, orgID id.ID) ([]*Counter, error)
}

// PrefixSource provides the organization-level numbering prefix.
// An empty prefix with nil error means "not configured".
type PrefixSource interface {
	Prefix(ctx context.Context, orgID id.ID) (string, error)
}

// PrefixSourceFunc adapts a function to PrefixSource.
type PrefixSourceFunc func(ctx context.Context, orgID id.ID) (string, error)

// Prefix implements PrefixSource.
func (f PrefixSourceFunc) Prefix(ctx context.Context, orgID id.ID) (string, error) {
	return f(ctx, orgID)
}
