package numerator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faktura/internal/core/id"
)

// MaxRequestKeyLength bounds client supplied request keys.
const MaxRequestKeyLength = 128

// Receipt errors.
var (
	ErrReceiptNotFound = errors.New("issuance receipt not found")

	// ErrReceiptExists means another transaction recorded the same request key first.
	ErrReceiptExists = errors.New("issuance receipt already exists")
)

// Receipt remembers the number issued for one client request, so a retried
// request gets the same number back instead of consuming a new one.
type Receipt struct {
	OrganizationID id.ID
	RequestKey     string
	Year           int
	Sequence       int64
	Number         string
	CreatedAt      time.Time
}

// ReceiptStore keeps receipts next to the counters of the same backend.
// RecordReceipt must run in the transaction that advanced the counter.
type ReceiptStore interface {
	// FindReceipt returns ErrReceiptNotFound when the key was never used.
	FindReceipt(ctx context.Context, orgID id.ID, requestKey string) (*Receipt, error)

	// RecordReceipt returns ErrReceiptExists when the key is already taken.
	RecordReceipt(ctx context.Context, r *Receipt) error

	// DeleteReceiptsBefore removes receipts created before cutoff and returns
	// how many were removed. Counters are not affected.
	DeleteReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ValidateRequestKey checks a client supplied request key.
func ValidateRequestKey(key string) error {
	if key == "" {
		return fmt.Errorf("request key is required")
	}
	if len(key) > MaxRequestKeyLength {
		return fmt.Errorf("request key must be at most %d bytes, got %d", MaxRequestKeyLength, len(key))
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return fmt.Errorf("request key must be printable ASCII without spaces")
		}
	}
	return nil
}
