package auth

import (
	"context"
	"strings"
)

// Roles recognised by the API.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UID   string
	Email string
	Phone string
	Roles []string
	// Provider names the verifier that produced the identity ("firebase", "jwt", "dev").
	Provider string
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if normaliseRole(r) == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity carries any of roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// IsStaff reports whether the identity may act on other customers' orders.
func (i *Identity) IsStaff() bool {
	return i.HasAnyRole(RoleStaff, RoleAdmin)
}

type identityKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
