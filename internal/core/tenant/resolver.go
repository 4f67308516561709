package tenant

import (
	"context"

	"faktura/internal/core/id"
)

// Resolver supplies the organization for the calling context.
// The numbering core never discovers the organization on its own.
type Resolver interface {
	CurrentOrganization(ctx context.Context) (id.ID, error)
}

// ContextResolver resolves the organization stored by WithOrganization.
type ContextResolver struct{}

// CurrentOrganization implements Resolver.
func (ContextResolver) CurrentOrganization(ctx context.Context) (id.ID, error) {
	return GetOrganization(ctx)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (id.ID, error)

// CurrentOrganization implements Resolver.
func (f ResolverFunc) CurrentOrganization(ctx context.Context) (id.ID, error) {
	return f(ctx)
}

var (
	_ Resolver = ContextResolver{}
	_ Resolver = ResolverFunc(nil)
)
