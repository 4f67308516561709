package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"faktura/internal/core/id"
	"faktura/internal/core/numerator"
)

const sequenceTable = "invoice_sequences"

var sequenceColumns = ExtractDBColumns[counterRow]()

// counterRow is the database representation of numerator.Counter.
type counterRow struct {
	OrganizationID id.ID     `db:"organization_id"`
	Year           int       `db:"year"`
	Prefix         string    `db:"prefix"`
	LastIssued     int64     `db:"last_issued"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *counterRow) toDomain() *numerator.Counter {
	return &numerator.Counter{
		OrganizationID: r.OrganizationID,
		Year:           r.Year,
		Prefix:         r.Prefix,
		LastIssued:     r.LastIssued,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// SequenceRepo implements numerator.Store on PostgreSQL.
// Row locks come from SELECT ... FOR UPDATE and last until the transaction
// held in ctx ends; the primary key (organization_id, year) settles the
// first-creation race.
type SequenceRepo struct {
	txm *TxManager
}

// NewSequenceRepo creates a new sequence repository.
func NewSequenceRepo(txm *TxManager) *SequenceRepo {
	return &SequenceRepo{txm: txm}
}

// Ensure compile-time interface compliance.
var _ numerator.Store = (*SequenceRepo)(nil)

func (r *SequenceRepo) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (r *SequenceRepo) whereKey(key numerator.Key) squirrel.Eq {
	return squirrel.Eq{"organization_id": key.OrganizationID, "year": key.Year}
}

// FindAndLock implements numerator.Store.
func (r *SequenceRepo) FindAndLock(ctx context.Context, key numerator.Key) (*numerator.Counter, error) {
	if r.txm.GetTx(ctx) == nil {
		return nil, fmt.Errorf("find and lock %s: a transaction is required", key)
	}

	q := r.builder().
		Select(sequenceColumns...).
		From(sequenceTable).
		Where(r.whereKey(key)).
		Suffix("FOR UPDATE")

	return r.get(ctx, q, "find and lock "+key.String())
}

// Get implements numerator.Store.
func (r *SequenceRepo) Get(ctx context.Context, key numerator.Key) (*numerator.Counter, error) {
	q := r.builder().
		Select(sequenceColumns...).
		From(sequenceTable).
		Where(r.whereKey(key))

	return r.get(ctx, q, "get "+key.String())
}

func (r *SequenceRepo) get(ctx context.Context, q squirrel.SelectBuilder, op string) (*numerator.Counter, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row counterRow
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, numerator.ErrCounterNotFound
		}
		return nil, translate(op, err)
	}
	return row.toDomain(), nil
}

// Create implements numerator.Store.
// A concurrent insert of the same key blocks on the unique index until the
// other transaction ends, then fails with ErrCounterExists if it committed.
func (r *SequenceRepo) Create(ctx context.Context, c *numerator.Counter) error {
	q := r.builder().
		Insert(sequenceTable).
		SetMap(StructToMap(&counterRow{
			OrganizationID: c.OrganizationID,
			Year:           c.Year,
			Prefix:         c.Prefix,
			LastIssued:     c.LastIssued,
		}, "created_at", "updated_at")).
		Suffix("RETURNING created_at, updated_at")

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		return translate("create "+c.Key().String(), err)
	}
	return nil
}

// Save implements numerator.Store.
// The last_issued guard keeps the counter monotonic even if a caller skipped FindAndLock.
func (r *SequenceRepo) Save(ctx context.Context, c *numerator.Counter) error {
	key := c.Key()
	q := r.builder().
		Update(sequenceTable).
		Set("last_issued", c.LastIssued).
		Set("updated_at", squirrel.Expr("now()")).
		Where(r.whereKey(key)).
		Where(squirrel.LtOrEq{"last_issued": c.LastIssued}).
		Suffix("RETURNING updated_at")

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	var updatedAt time.Time
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &updatedAt, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return fmt.Errorf("save %s: counter missing or last issued would decrease: %w", key, numerator.ErrCounterNotFound)
		}
		return translate("save "+key.String(), err)
	}
	c.UpdatedAt = updatedAt
	return nil
}

// ListByOrganization implements numerator.Store.
func (r *SequenceRepo) ListByOrganization(ctx context.Context, orgID id.ID) ([]*numerator.Counter, error) {
	q := r.builder().
		Select(sequenceColumns...).
		From(sequenceTable).
		Where(squirrel.Eq{"organization_id": orgID}).
		OrderBy("year")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []counterRow
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, translate("list sequences", err)
	}

	out := make([]*numerator.Counter, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
