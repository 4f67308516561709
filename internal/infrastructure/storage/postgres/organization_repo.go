package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"faktura/internal/core/apperror"
	"faktura/internal/core/id"
	"faktura/internal/core/numerator"
)

const organizationTable = "organizations"

// OrganizationRepo reads and writes the numbering prefix of organizations.
// It implements numerator.PrefixSource.
type OrganizationRepo struct {
	txm *TxManager
}

// NewOrganizationRepo creates a new organization repository.
func NewOrganizationRepo(txm *TxManager) *OrganizationRepo {
	return &OrganizationRepo{txm: txm}
}

var _ numerator.PrefixSource = (*OrganizationRepo)(nil)

func (r *OrganizationRepo) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Prefix implements numerator.PrefixSource.
// Unknown organizations and organizations without a prefix return "".
func (r *OrganizationRepo) Prefix(ctx context.Context, orgID id.ID) (string, error) {
	q := r.builder().
		Select("COALESCE(numbering_prefix, '')").
		From(organizationTable).
		Where(squirrel.Eq{"id": orgID})

	sql, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build query: %w", err)
	}

	var prefix string
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &prefix, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("get organization prefix: %w", err)
	}
	return prefix, nil
}

// SetPrefix stores the numbering prefix of an organization, registering the
// organization if needed. Counters that already exist keep their prefix.
func (r *OrganizationRepo) SetPrefix(ctx context.Context, orgID id.ID, prefix string) error {
	if id.IsNil(orgID) {
		return apperror.NewTenantRequired()
	}
	if err := numerator.ValidatePrefix(prefix); err != nil {
		return apperror.NewValidation(err.Error()).WithDetail("prefix", prefix)
	}

	q := r.builder().
		Insert(organizationTable).
		Columns("id", "numbering_prefix").
		Values(orgID, prefix).
		Suffix("ON CONFLICT (id) DO UPDATE SET numbering_prefix = EXCLUDED.numbering_prefix, updated_at = now()")

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("set organization prefix: %w", err)
	}
	return nil
}
