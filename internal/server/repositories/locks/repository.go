package locks

import (
	"context"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type Repository interface {
	// Acquire takes the lock when it is free, expired at now, or already held
	// by the same owner. It reports whether the caller now holds it.
	Acquire(ctx context.Context, lock *models.Lock, now time.Time) (bool, error)
	Release(ctx context.Context, resource, owner string) error
	Get(ctx context.Context, resource string) (*models.Lock, error)
}
