package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Role constants used when checking authorisation boundaries.
const (
	RoleVendor = "vendor"
	RoleStaff  = "staff"
	RoleAdmin  = "admin"
)

// Identity is the authenticated vendor or operator extracted from a Firebase ID token.
type Identity struct {
	UID      string
	Email    string
	Roles    []string
	StoreIDs []string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// CanManageStore reports whether the identity may act on behalf of the store. Staff and admins
// may act on any store.
func (i *Identity) CanManageStore(storeID string) bool {
	if i == nil {
		return false
	}
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return false
	}
	if i.HasAnyRole(RoleStaff, RoleAdmin) {
		return true
	}
	for _, id := range i.StoreIDs {
		if id == storeID {
			return true
		}
	}
	return false
}

type contextKey string

const identityContextKey contextKey = "github.com/americana-market/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
