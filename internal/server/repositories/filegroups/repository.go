package filegroups

import (
	"context"

	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, group *models.FileGroup) error
	Get(ctx context.Context, fileGroupUUID string) (*models.FileGroup, error)
	GetMany(ctx context.Context, fileGroupUUIDs []string) ([]*models.FileGroup, error)
	// Move retargets the named groups from src to dst and returns how many moved.
	Move(ctx context.Context, fileGroupUUIDs []string, src, dst string) (int64, error)
	MarkDeleted(ctx context.Context, fileGroupUUID string) error
	// MarkDeletedForUser marks groups uploaded by userID, or stored in userID's
	// cloud account, as deleted.
	MarkDeletedForUser(ctx context.Context, sharingGroupUUID string, userID int64) (int64, error)
	MarkDeletedInSharingGroup(ctx context.Context, sharingGroupUUID string) (int64, error)
}
