package masterversions

import "context"

type Repository interface {
	Create(ctx context.Context, sharingGroupUUID string) error
	Get(ctx context.Context, sharingGroupUUID string) (int64, error)
	// GetForUpdate reads the counter and holds its row lock until the
	// transaction ends.
	GetForUpdate(ctx context.Context, sharingGroupUUID string) (int64, error)
	Increment(ctx context.Context, sharingGroupUUID string) (int64, error)
}
