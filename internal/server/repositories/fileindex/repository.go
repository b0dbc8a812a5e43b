package fileindex

import (
	"context"

	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, fi *models.FileIndex) (int64, error)
	Get(ctx context.Context, sharingGroupUUID, fileUUID string) (*models.FileIndex, error)
	GetForUpdate(ctx context.Context, sharingGroupUUID, fileUUID string) (*models.FileIndex, error)
	ListByFileGroup(ctx context.Context, fileGroupUUID string) ([]*models.FileIndex, error)
	// Update stores the content fields of fi provided the row is still at
	// expectedVersion; otherwise common.ErrVersionConflict.
	Update(ctx context.Context, fi *models.FileIndex, expectedVersion int64) error
	MarkDeleted(ctx context.Context, id int64) error
	// MarkDeletedForUser and MarkDeletedForSharingGroup return the rows they
	// changed so the caller can schedule removal of their cloud objects.
	MarkDeletedForUser(ctx context.Context, sharingGroupUUID string, userID int64) ([]*models.FileIndex, error)
	MarkDeletedForSharingGroup(ctx context.Context, sharingGroupUUID string) ([]*models.FileIndex, error)
	MoveFileGroups(ctx context.Context, fileGroupUUIDs []string, src, dst string) (int64, error)
}
