// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// RoleAdmin lets a caller act on any user's sessions.
const RoleAdmin = "admin"

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string   // token subject, used as the user ID of isolation keys
	Roles   []string // roles from the token
}

// IsAdmin returns true if the subject has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return slices.Contains(a.Roles, RoleAdmin)
}

// CanActFor reports whether the subject may operate on sessions of userID.
func (a *AuthContext) CanActFor(userID string) bool {
	return a.Subject == userID || a.IsAdmin()
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
