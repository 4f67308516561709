package numerator

import (
	"context"

	"faktura/internal/core/id"
)

// Generator allocates gapless invoice numbers.
// This is the contract consumers depend on; the implementation lives in
// infrastructure/numerator.
type Generator interface {
	// Next allocates the next number of orgID for the current calendar year.
	// Pattern: PREFIXYEAR-XXXXX (e.g., FA2026-00001)
	//
	// When ctx carries a transaction, the allocation joins it and is rolled
	// back together with it.
	Next(ctx context.Context, orgID id.ID) (string, error)

	// NextFromContext is Next for the organization bound to ctx.
	NextFromContext(ctx context.Context) (string, error)
}
