package staleversions

import (
	"context"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, sv *models.StaleVersion) (int64, error)
	// ListExpired returns rows whose expiry is before now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.StaleVersion, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}
