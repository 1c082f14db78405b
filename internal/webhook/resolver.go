package webhook

import (
	"context"
	"errors"

	"github.com/inkwell-cms/inkwell/backend/internal/store"
)

var errMissingStore = errors.New("store mapper is required")

// StoreResolver resolves repository owners through the installation-link
// lookup table. It is the single documented IdentityResolver implementation;
// a repository shared across multiple cache owners has no mapping story yet
// and resolves to whichever single owner holds the link.
type StoreResolver struct {
	store *store.Mapper
}

// NewStoreResolver constructs a resolver over the document store.
func NewStoreResolver(mapper *store.Mapper) (*StoreResolver, error) {
	if mapper == nil {
		return nil, errMissingStore
	}
	return &StoreResolver{store: mapper}, nil
}

// ResolveOwnerForRepoOwner looks up the cache owner and reconciliation
// credential for an external repository-owner identity.
func (r *StoreResolver) ResolveOwnerForRepoOwner(ctx context.Context, externalOwnerID string) (Resolution, bool, error) {
	link, found, err := r.store.GetInstallationLink(ctx, externalOwnerID)
	if err != nil {
		return Resolution{}, false, err
	}
	if !found {
		return Resolution{}, false, nil
	}
	return Resolution{OwnerID: link.OwnerID, AccessToken: link.AccessToken}, true, nil
}
