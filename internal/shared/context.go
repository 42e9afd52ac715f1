package shared

import (
	"context"
	"errors"
)

// ErrMissingIdentity is returned when no tenant/user pair was resolved for the request.
var ErrMissingIdentity = errors.New("identity not resolved")

// Identity is the trusted (tenant, user) pair supplied by the upstream resolver.
type Identity struct {
	TenantID int64
	UserID   int64
}

// Valid reports whether both ids are present.
func (i Identity) Valid() bool {
	return i.TenantID > 0 && i.UserID > 0
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || !id.Valid() {
		return Identity{}, false
	}
	return id, true
}

type correlationContextKey struct{}

// ContextWithCorrelationID stores the request correlation id in context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationContextKey{}, id)
}

// CorrelationIDFromContext returns the request correlation id, if any.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationContextKey{}).(string)
	return id
}
