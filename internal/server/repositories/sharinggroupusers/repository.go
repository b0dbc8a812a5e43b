package sharinggroupusers

import (
	"context"

	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type Repository interface {
	// Add inserts the membership, reactivating a soft-deleted row for the same
	// user. An active membership yields common.ErrorAlreadyExists.
	Add(ctx context.Context, member *models.SharingGroupUser) (*models.SharingGroupUser, error)
	GetActive(ctx context.Context, sharingGroupUUID string, userID int64) (*models.SharingGroupUser, error)
	ListActive(ctx context.Context, sharingGroupUUID string) ([]*models.SharingGroupUser, error)
	// CountActiveMembers counts how many of userIDs are active members.
	CountActiveMembers(ctx context.Context, sharingGroupUUID string, userIDs []int64) (int, error)
	MarkDeleted(ctx context.Context, sharingGroupUUID string, userID int64) error
	MarkAllDeleted(ctx context.Context, sharingGroupUUID string) (int64, error)
	// ResetOwningUserIDs clears owning_user_id on members owned by owningUserID.
	ResetOwningUserIDs(ctx context.Context, sharingGroupUUID string, owningUserID int64) (int64, error)
}
