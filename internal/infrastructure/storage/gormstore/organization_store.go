package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"faktura/internal/core/apperror"
	"faktura/internal/core/id"
	"faktura/internal/core/numerator"
)

type organizationModel struct {
	ID              id.ID     `gorm:"column:id;primaryKey"`
	NumberingPrefix *string   `gorm:"column:numbering_prefix;size:16"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null"`
}

func (organizationModel) TableName() string { return "organizations" }

// OrganizationStore keeps organization numbering prefixes.
// It implements numerator.PrefixSource.
type OrganizationStore struct {
	txm *TxManager
}

var _ numerator.PrefixSource = (*OrganizationStore)(nil)

// NewOrganizationStore creates an organization store.
func NewOrganizationStore(txm *TxManager) *OrganizationStore {
	return &OrganizationStore{txm: txm}
}

// Prefix implements numerator.PrefixSource.
func (s *OrganizationStore) Prefix(ctx context.Context, orgID id.ID) (string, error) {
	var m organizationModel
	err := s.txm.conn(ctx).Where("id = ?", orgID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get organization prefix: %w", err)
	}
	if m.NumberingPrefix == nil {
		return "", nil
	}
	return *m.NumberingPrefix, nil
}

// SetPrefix stores the numbering prefix of an organization.
func (s *OrganizationStore) SetPrefix(ctx context.Context, orgID id.ID, prefix string) error {
	if id.IsNil(orgID) {
		return apperror.NewTenantRequired()
	}
	if err := numerator.ValidatePrefix(prefix); err != nil {
		return apperror.NewValidation(err.Error()).WithDetail("prefix", prefix)
	}

	now := time.Now().UTC()
	m := organizationModel{ID: orgID, NumberingPrefix: &prefix, CreatedAt: now, UpdatedAt: now}
	err := s.txm.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"numbering_prefix", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("set organization prefix: %w", err)
	}
	return nil
}
