package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"faktura/internal/core/id"
	"faktura/internal/core/numerator"
)

// receiptModel maps issuance_receipts.
type receiptModel struct {
	OrganizationID id.ID     `gorm:"column:organization_id;primaryKey"`
	RequestKey     string    `gorm:"column:request_key;primaryKey;size:128"`
	Year           int       `gorm:"column:year;not null"`
	Sequence       int64     `gorm:"column:sequence;not null"`
	Number         string    `gorm:"column:number;size:64;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index"`
}

func (receiptModel) TableName() string { return "issuance_receipts" }

// ReceiptStore implements numerator.ReceiptStore on GORM.
type ReceiptStore struct {
	txm *TxManager
	now func() time.Time
}

var _ numerator.ReceiptStore = (*ReceiptStore)(nil)

// NewReceiptStore creates a receipt store working through txm.
func NewReceiptStore(txm *TxManager) *ReceiptStore {
	return &ReceiptStore{txm: txm, now: time.Now}
}

// FindReceipt implements numerator.ReceiptStore.
func (s *ReceiptStore) FindReceipt(ctx context.Context, orgID id.ID, requestKey string) (*numerator.Receipt, error) {
	var m receiptModel
	err := s.txm.conn(ctx).
		Where("organization_id = ? AND request_key = ?", orgID, requestKey).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, numerator.ErrReceiptNotFound
	}
	if err != nil {
		return nil, translate("find receipt", err)
	}
	return &numerator.Receipt{
		OrganizationID: m.OrganizationID,
		RequestKey:     m.RequestKey,
		Year:           m.Year,
		Sequence:       m.Sequence,
		Number:         m.Number,
		CreatedAt:      m.CreatedAt,
	}, nil
}

// RecordReceipt implements numerator.ReceiptStore.
func (s *ReceiptStore) RecordReceipt(ctx context.Context, r *numerator.Receipt) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	m := receiptModel{
		OrganizationID: r.OrganizationID,
		RequestKey:     r.RequestKey,
		Year:           r.Year,
		Sequence:       r.Sequence,
		Number:         r.Number,
		CreatedAt:      r.CreatedAt,
	}
	err := s.txm.conn(ctx).Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("record receipt %q: %w: %w", r.RequestKey, numerator.ErrReceiptExists, err)
	}
	if err != nil {
		return translate("record receipt", err)
	}
	return nil
}

// DeleteReceiptsBefore implements numerator.ReceiptStore.
func (s *ReceiptStore) DeleteReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.txm.conn(ctx).Where("created_at < ?", cutoff).Delete(&receiptModel{})
	if res.Error != nil {
		return 0, translate("delete receipts", res.Error)
	}
	return res.RowsAffected, nil
}
