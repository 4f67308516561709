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

const receiptTable = "issuance_receipts"

var receiptColumns = ExtractDBColumns[receiptRow]()

// receiptRow is the database representation of numerator.Receipt.
type receiptRow struct {
	OrganizationID id.ID     `db:"organization_id"`
	RequestKey     string    `db:"request_key"`
	Year           int       `db:"year"`
	Sequence       int64     `db:"sequence"`
	Number         string    `db:"number"`
	CreatedAt      time.Time `db:"created_at"`
}

// ReceiptRepo implements numerator.ReceiptStore.
// The primary key (organization_id, request_key) settles concurrent use of one key:
// the second insert waits for the first transaction and fails if it committed.
type ReceiptRepo struct {
	txm *TxManager
}

// NewReceiptRepo creates a new receipt repository.
func NewReceiptRepo(txm *TxManager) *ReceiptRepo {
	return &ReceiptRepo{txm: txm}
}

var _ numerator.ReceiptStore = (*ReceiptRepo)(nil)

func (r *ReceiptRepo) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// FindReceipt implements numerator.ReceiptStore.
func (r *ReceiptRepo) FindReceipt(ctx context.Context, orgID id.ID, requestKey string) (*numerator.Receipt, error) {
	q := r.builder().
		Select(receiptColumns...).
		From(receiptTable).
		Where(squirrel.Eq{"organization_id": orgID, "request_key": requestKey})

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row receiptRow
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, numerator.ErrReceiptNotFound
		}
		return nil, translate("find receipt", err)
	}
	return &numerator.Receipt{
		OrganizationID: row.OrganizationID,
		RequestKey:     row.RequestKey,
		Year:           row.Year,
		Sequence:       row.Sequence,
		Number:         row.Number,
		CreatedAt:      row.CreatedAt,
	}, nil
}

// RecordReceipt implements numerator.ReceiptStore.
func (r *ReceiptRepo) RecordReceipt(ctx context.Context, rc *numerator.Receipt) error {
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = time.Now().UTC()
	}
	q := r.builder().
		Insert(receiptTable).
		SetMap(StructToMap(&receiptRow{
			OrganizationID: rc.OrganizationID,
			RequestKey:     rc.RequestKey,
			Year:           rc.Year,
			Sequence:       rc.Sequence,
			Number:         rc.Number,
			CreatedAt:      rc.CreatedAt,
		})).
		Suffix("RETURNING created_at")

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, args...).Scan(&rc.CreatedAt); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("record receipt %q: %w: %w", rc.RequestKey, numerator.ErrReceiptExists, err)
		}
		return translate("record receipt", err)
	}
	return nil
}

// DeleteReceiptsBefore implements numerator.ReceiptStore.
func (r *ReceiptRepo) DeleteReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	sql, args, err := r.builder().
		Delete(receiptTable).
		Where(squirrel.Lt{"created_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}

	result, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, translate("delete receipts", err)
	}
	return result.RowsAffected(), nil
}
