// Package tenant carries the calling organization through request context.
//
// The numbering service takes the organization as an explicit argument; this
// package exists for callers that bind the organization once per request
// (middleware, job runners) and want the service to pick it up from there.
package tenant

import (
	"context"

	"faktura/internal/core/id"
)

type ctxKey int

const (
	organizationKey ctxKey = iota
)

// WithOrganization stores the organization id in context.
func WithOrganization(ctx context.Context, orgID id.ID) context.Context {
	return context.WithValue(ctx, organizationKey, orgID)
}

// GetOrganization retrieves the organization id from context.
func GetOrganization(ctx context.Context) (id.ID, error) {
	orgID, ok := ctx.Value(organizationKey).(id.ID)
	if !ok || id.IsNil(orgID) {
		return id.ID{}, ErrNoTenantInContext
	}
	return orgID, nil
}

// GetOrganizationID returns the organization id as string or empty string.
// Used for log enrichment.
func GetOrganizationID(ctx context.Context) string {
	orgID, err := GetOrganization(ctx)
	if err != nil {
		return ""
	}
	return orgID.String()
}
