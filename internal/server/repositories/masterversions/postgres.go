package masterversions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, sharingGroupUUID string) error {
	query := `INSERT INTO master_versions (sharing_group_uuid, version) VALUES ($1, 0)
		ON CONFLICT (sharing_group_uuid) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, sharingGroupUUID)
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

func (r *PostgresRepository) scalar(ctx context.Context, query, sharingGroupUUID string) (int64, error) {
	var v int64
	if err := r.db.QueryRowContext(ctx, query, sharingGroupUUID).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrorNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) Get(ctx context.Context, sharingGroupUUID string) (int64, error) {
	return r.scalar(ctx, `SELECT version FROM master_versions WHERE sharing_group_uuid = $1`, sharingGroupUUID)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, sharingGroupUUID string) (int64, error) {
	return r.scalar(ctx, `SELECT version FROM master_versions WHERE sharing_group_uuid = $1 FOR UPDATE`, sharingGroupUUID)
}

func (r *PostgresRepository) Increment(ctx context.Context, sharingGroupUUID string) (int64, error) {
	return r.scalar(ctx, `UPDATE master_versions SET version = version + 1 WHERE sharing_group_uuid = $1 RETURNING version`, sharingGroupUUID)
}
