package uploads

import (
	"context"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, u *models.Upload) (int64, error)
	// ListByDeferredUploadIDs returns the rows in creation order.
	ListByDeferredUploadIDs(ctx context.Context, ids []int64) ([]*models.Upload, error)
	// FindDuplicate looks for an earlier submission of the same content.
	FindDuplicate(ctx context.Context, u *models.Upload) (*models.Upload, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	DeleteCompletedV0(ctx context.Context, olderThan time.Time) (int64, error)
	MoveFileGroups(ctx context.Context, fileGroupUUIDs []string, src, dst string) (int64, error)
}
