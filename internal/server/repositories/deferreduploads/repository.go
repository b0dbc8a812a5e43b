package deferreduploads

import (
	"context"

	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, du *models.DeferredUpload) (int64, error)
	// FindPending returns the open entry for the file group with the given
	// status and batch, locking it so concurrent intake requests attach to
	// the same row. Entries a running apply has locked are skipped. A nil
	// batch matches entries without one.
	FindPending(ctx context.Context, sharingGroupUUID, fileGroupUUID string, status models.DeferredUploadStatus, batchUUID *string) (*models.DeferredUpload, error)
	ListPending(ctx context.Context, limit int) ([]*models.DeferredUpload, error)
	// LockByIDs locks and returns the rows that still exist.
	LockByIDs(ctx context.Context, ids []int64) ([]*models.DeferredUpload, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	MoveFileGroups(ctx context.Context, fileGroupUUIDs []string, src, dst string) (int64, error)
}
