package sharinggroups

import (
	"context"

	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, group *models.SharingGroup) error
	// Get returns the group whether or not it has been removed.
	Get(ctx context.Context, sharingGroupUUID string) (*models.SharingGroup, error)
	MarkDeleted(ctx context.Context, sharingGroupUUID string) error
}
