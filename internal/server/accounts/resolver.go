// Package accounts maps an owning user to the cloud storage that holds its
// files.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/server/cloudstorage"
	"github.com/dmitrijs2005/syncserver/internal/server/repositories/users"
)

type CredentialResolver interface {
	// StorageFor returns userID's storage and the options naming its folder.
	StorageFor(ctx context.Context, userID int64) (cloudstorage.CloudStorage, cloudstorage.Options, error)
}

// Resolver picks a storage backend by the account type recorded on the
// user, falling back to the server-wide backend.
type Resolver struct {
	users         users.Repository
	backends      map[string]cloudstorage.CloudStorage
	fallback      cloudstorage.CloudStorage
	defaultFolder string
}

func NewResolver(users users.Repository, fallback cloudstorage.CloudStorage, defaultFolder string) *Resolver {
	return &Resolver{
		users:         users,
		backends:      make(map[string]cloudstorage.CloudStorage),
		fallback:      fallback,
		defaultFolder: defaultFolder,
	}
}

// Register binds an account type to a backend. Not safe for use after the
// resolver is shared.
func (r *Resolver) Register(accountType string, storage cloudstorage.CloudStorage) {
	r.backends[accountType] = storage
}

func (r *Resolver) StorageFor(ctx context.Context, userID int64) (cloudstorage.CloudStorage, cloudstorage.Options, error) {
	u, err := r.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, cloudstorage.Options{}, fmt.Errorf("user %d: %w", userID, common.ErrNoCloudStorage)
		}
		return nil, cloudstorage.Options{}, fmt.Errorf("lookup user %d: %w", userID, err)
	}

	storage, ok := r.backends[u.AccountType]
	if !ok {
		storage = r.fallback
	}
	if storage == nil {
		return nil, cloudstorage.Options{}, fmt.Errorf("user %d account %q: %w", userID, u.AccountType, common.ErrNoCloudStorage)
	}

	folder := u.CloudFolderName
	if folder == "" {
		folder = r.defaultFolder
	}
	return storage, cloudstorage.Options{CloudFolderName: folder}, nil
}
