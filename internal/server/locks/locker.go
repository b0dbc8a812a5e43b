// Package locks serializes work on a shared resource across server
// instances. Two backends exist: a row in the locks table and a Redis key.
package locks

import (
	"context"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/server/models"
	lockrepo "github.com/dmitrijs2005/syncserver/internal/server/repositories/locks"
)

type Locker interface {
	// Acquire reports whether owner now holds resource for ttl. A lock held
	// by someone else is not an error.
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	// Release gives up resource if owner still holds it.
	Release(ctx context.Context, resource, owner string) error
}

// FileGroupResource names the lock taken while a file group's deferred
// uploads are applied.
func FileGroupResource(fileGroupUUID string) string {
	return "filegroup:" + fileGroupUUID
}

// DBLocker keeps locks in the metadata store; an expired row may be taken
// over by a new owner.
type DBLocker struct {
	repo lockrepo.Repository
	now  func() time.Time
}

func NewDBLocker(repo lockrepo.Repository) *DBLocker {
	return &DBLocker{repo: repo, now: time.Now}
}

func (l *DBLocker) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()
	return l.repo.Acquire(ctx, &models.Lock{Resource: resource, Owner: owner, Expiry: now.Add(ttl)}, now)
}

func (l *DBLocker) Release(ctx context.Context, resource, owner string) error {
	return l.repo.Release(ctx, resource, owner)
}
