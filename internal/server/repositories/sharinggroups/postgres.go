package sharinggroups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, group *models.SharingGroup) error {
	query := `INSERT INTO sharing_groups (sharing_group_uuid, name, deleted) VALUES ($1, $2, FALSE)
		ON CONFLICT (sharing_group_uuid) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, group.SharingGroupUUID, group.Name)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorAlreadyExists
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, sharingGroupUUID string) (*models.SharingGroup, error) {
	query := `SELECT sharing_group_uuid, name, deleted FROM sharing_groups WHERE sharing_group_uuid = $1`

	g := &models.SharingGroup{}
	err := r.db.QueryRowContext(ctx, query, sharingGroupUUID).Scan(&g.SharingGroupUUID, &g.Name, &g.Deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return g, nil
}

// MarkDeleted soft-deletes the group. Removing an already removed group is
// not an error.
func (r *PostgresRepository) MarkDeleted(ctx context.Context, sharingGroupUUID string) error {
	query := `UPDATE sharing_groups SET deleted = TRUE WHERE sharing_group_uuid = $1`

	res, err := r.db.ExecContext(ctx, query, sharingGroupUUID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
