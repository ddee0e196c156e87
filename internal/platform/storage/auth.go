package storage

import (
	"context"
	"errors"

	"github.com/americana-market/api/internal/platform/auth"
)

// ErrPermissionDenied is returned when the caller may not read objects belonging to the store.
var ErrPermissionDenied = errors.New("storage: permission denied")

// AuthorizeDownload validates whether the identity may read an object owned by storeID.
func AuthorizeDownload(identity *auth.Identity, storeID string, allowAnonymous bool) error {
	if allowAnonymous {
		return nil
	}
	if identity == nil {
		return ErrPermissionDenied
	}
	if identity.CanManageStore(storeID) {
		return nil
	}
	return ErrPermissionDenied
}

// AuthorizeDownloadFromContext extracts the identity from context and validates access.
func AuthorizeDownloadFromContext(ctx context.Context, storeID string, allowAnonymous bool) (*auth.Identity, error) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok && !allowAnonymous {
		return nil, ErrPermissionDenied
	}
	if err := AuthorizeDownload(identity, storeID, allowAnonymous); err != nil {
		return nil, err
	}
	return identity, nil
}
