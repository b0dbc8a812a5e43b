package filegroups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

const columns = `file_group_uuid, sharing_group_uuid, user_id, object_type, deleted`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, group *models.FileGroup) error {
	query := `INSERT INTO file_groups (file_group_uuid, sharing_group_uuid, user_id, object_type, deleted)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (file_group_uuid) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query, group.FileGroupUUID, group.SharingGroupUUID, group.UserID, group.ObjectType)
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

func (r *PostgresRepository) Get(ctx context.Context, fileGroupUUID string) (*models.FileGroup, error) {
	query := `SELECT ` + columns + ` FROM file_groups WHERE file_group_uuid = $1`

	g := &models.FileGroup{}
	err := r.db.QueryRowContext(ctx, query, fileGroupUUID).
		Scan(&g.FileGroupUUID, &g.SharingGroupUUID, &g.UserID, &g.ObjectType, &g.Deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return g, nil
}

// GetMany returns the groups found, locked for update, in no particular order.
func (r *PostgresRepository) GetMany(ctx context.Context, fileGroupUUIDs []string) ([]*models.FileGroup, error) {
	if len(fileGroupUUIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + columns + ` FROM file_groups
		WHERE file_group_uuid IN (` + dbx.Placeholders(1, len(fileGroupUUIDs)) + `) FOR UPDATE`

	rows, err := r.db.QueryContext(ctx, query, dbx.Args(fileGroupUUIDs)...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.FileGroup
	for rows.Next() {
		g := &models.FileGroup{}
		if err := rows.Scan(&g.FileGroupUUID, &g.SharingGroupUUID, &g.UserID, &g.ObjectType, &g.Deleted); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Move(ctx context.Context, fileGroupUUIDs []string, src, dst string) (int64, error) {
	if len(fileGroupUUIDs) == 0 {
		return 0, nil
	}
	query := `UPDATE file_groups SET sharing_group_uuid = $1
		WHERE sharing_group_uuid = $2 AND file_group_uuid IN (` + dbx.Placeholders(3, len(fileGroupUUIDs)) + `)`

	args := append([]any{dst, src}, dbx.Args(fileGroupUUIDs)...)
	return r.exec(ctx, query, args...)
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, fileGroupUUID string) error {
	n, err := r.exec(ctx, `UPDATE file_groups SET deleted = TRUE WHERE file_group_uuid = $1`, fileGroupUUID)
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkDeletedForUser(ctx context.Context, sharingGroupUUID string, userID int64) (int64, error) {
	query := `UPDATE file_groups SET deleted = TRUE
		WHERE sharing_group_uuid = $1 AND deleted = FALSE
		AND (user_id = $2 OR file_group_uuid IN (
			SELECT file_group_uuid FROM file_index WHERE sharing_group_uuid = $1 AND user_id = $2))`

	return r.exec(ctx, query, sharingGroupUUID, userID)
}

func (r *PostgresRepository) MarkDeletedInSharingGroup(ctx context.Context, sharingGroupUUID string) (int64, error) {
	query := `UPDATE file_groups SET deleted = TRUE WHERE sharing_group_uuid = $1 AND deleted = FALSE`
	return r.exec(ctx, query, sharingGroupUUID)
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
