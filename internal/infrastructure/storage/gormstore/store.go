package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"faktura/internal/core/id"
	"faktura/internal/core/numerator"
)

// sequenceModel maps invoice_sequences.
type sequenceModel struct {
	OrganizationID id.ID     `gorm:"column:organization_id;primaryKey"`
	Year           int       `gorm:"column:year;primaryKey;autoIncrement:false"`
	Prefix         string    `gorm:"column:prefix;size:16;not null"`
	LastIssued     int64     `gorm:"column:last_issued;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (sequenceModel) TableName() string { return "invoice_sequences" }

func (m *sequenceModel) toDomain() *numerator.Counter {
	return &numerator.Counter{
		OrganizationID: m.OrganizationID,
		Year:           m.Year,
		Prefix:         m.Prefix,
		LastIssued:     m.LastIssued,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// Store implements numerator.Store on GORM.
type Store struct {
	txm *TxManager
	now func() time.Time
}

var _ numerator.Store = (*Store)(nil)

// NewStore creates a store working through txm.
func NewStore(txm *TxManager) *Store {
	return &Store{txm: txm, now: time.Now}
}

func byKey(db *gorm.DB, key numerator.Key) *gorm.DB {
	return db.Where("organization_id = ? AND year = ?", key.OrganizationID, key.Year)
}

// FindAndLock implements numerator.Store.
func (s *Store) FindAndLock(ctx context.Context, key numerator.Key) (*numerator.Counter, error) {
	if s.txm.current(ctx) == nil {
		return nil, fmt.Errorf("find and lock %s: a transaction is required", key)
	}

	var m sequenceModel
	err := byKey(s.txm.conn(ctx), key).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&m).Error
	if err != nil {
		return nil, translate("find and lock "+key.String(), err)
	}
	return m.toDomain(), nil
}

// Get implements numerator.Store.
func (s *Store) Get(ctx context.Context, key numerator.Key) (*numerator.Counter, error) {
	var m sequenceModel
	if err := byKey(s.txm.conn(ctx), key).Take(&m).Error; err != nil {
		return nil, translate("get "+key.String(), err)
	}
	return m.toDomain(), nil
}

// Create implements numerator.Store.
func (s *Store) Create(ctx context.Context, c *numerator.Counter) error {
	now := s.now().UTC()
	m := sequenceModel{
		OrganizationID: c.OrganizationID,
		Year:           c.Year,
		Prefix:         c.Prefix,
		LastIssued:     c.LastIssued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.txm.conn(ctx).Create(&m).Error; err != nil {
		return translate("create "+c.Key().String(), err)
	}
	c.CreatedAt, c.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

// Save implements numerator.Store.
func (s *Store) Save(ctx context.Context, c *numerator.Counter) error {
	key := c.Key()
	now := s.now().UTC()

	res := byKey(s.txm.conn(ctx).Model(&sequenceModel{}), key).
		Where("last_issued <= ?", c.LastIssued).
		Updates(map[string]any{
			"last_issued": c.LastIssued,
			"updated_at":  now,
		})
	if res.Error != nil {
		return translate("save "+key.String(), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("save %s: counter missing or last issued would decrease: %w", key, numerator.ErrCounterNotFound)
	}
	c.UpdatedAt = now
	return nil
}

// ListByOrganization implements numerator.Store.
func (s *Store) ListByOrganization(ctx context.Context, orgID id.ID) ([]*numerator.Counter, error) {
	var models []sequenceModel
	err := s.txm.conn(ctx).
		Where("organization_id = ?", orgID).
		Order("year").
		Find(&models).Error
	if err != nil {
		return nil, translate("list sequences", err)
	}

	out := make([]*numerator.Counter, 0, len(models))
	for i := range models {
		out = append(out, models[i].toDomain())
	}
	return out, nil
}

// translate maps GORM and driver errors onto numerator store errors.
func translate(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return numerator.ErrCounterNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w: %w", op, numerator.ErrCounterExists, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "55P03":
			return fmt.Errorf("%s: %w: %w", op, numerator.ErrLockTimeout, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57014", strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%s: %w: %w", op, numerator.ErrUnavailable, err)
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%s: %w: %w", op, numerator.ErrUnavailable, err)
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && (liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w: %w", op, numerator.ErrLockTimeout, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
