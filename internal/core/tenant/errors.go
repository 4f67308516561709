package tenant

import "errors"

var (
	// ErrNoTenantInContext is returned when no organization is bound to the context.
	ErrNoTenantInContext = errors.New("organization not found in context")
)
