// Package tx provides transaction management abstractions.
// Domain services depend on these interfaces; implementations live in
// infrastructure/storage (pgx, gorm and in-memory).
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager extends Manager with read-only transaction support.
type ReadOnlyManager interface {
	Manager

	// ReadOnly executes fn in a read-only transaction.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}

// SavepointManager extends Manager with partial rollback.
//
// RunInSavepoint starts a new transaction when ctx carries none. Inside an
// existing transaction it runs fn under a savepoint: an error from fn undoes
// only fn's writes and leaves the outer transaction usable.
type SavepointManager interface {
	Manager

	RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error
}
