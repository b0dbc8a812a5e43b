package fileindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

const columns = `id, file_uuid, file_group_uuid, sharing_group_uuid, user_id, device_uuid, mime_type,
	file_version, file_size_bytes, change_resolver_name, last_uploaded_check_sum, deleted,
	creation_date, update_date`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*models.FileIndex, error) {
	var (
		fi       models.FileIndex
		resolver sql.NullString
	)
	err := row.Scan(&fi.ID, &fi.FileUUID, &fi.FileGroupUUID, &fi.SharingGroupUUID, &fi.UserID,
		&fi.DeviceUUID, &fi.MimeType, &fi.FileVersion, &fi.FileSizeBytes, &resolver,
		&fi.LastUploadedCheckSum, &fi.Deleted, &fi.CreationDate, &fi.UpdateDate)
	if err != nil {
		return nil, err
	}
	if resolver.Valid {
		fi.ChangeResolverName = &resolver.String
	}
	return &fi, nil
}

func (r *PostgresRepository) scanAll(ctx context.Context, query string, args ...any) ([]*models.FileIndex, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.FileIndex
	for rows.Next() {
		fi, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, fi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Create(ctx context.Context, fi *models.FileIndex) (int64, error) {
	query := `INSERT INTO file_index (file_uuid, file_group_uuid, sharing_group_uuid, user_id, device_uuid,
		mime_type, file_version, file_size_bytes, change_resolver_name, last_uploaded_check_sum, deleted,
		creation_date, update_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $12)
		RETURNING id`

	var resolver sql.NullString
	if fi.ChangeResolverName != nil {
		resolver = sql.NullString{String: *fi.ChangeResolverName, Valid: true}
	}

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		fi.FileUUID, fi.FileGroupUUID, fi.SharingGroupUUID, fi.UserID, fi.DeviceUUID,
		fi.MimeType, fi.FileVersion, fi.FileSizeBytes, resolver, fi.LastUploadedCheckSum,
		fi.CreationDate, fi.UpdateDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) get(ctx context.Context, query, sharingGroupUUID, fileUUID string) (*models.FileIndex, error) {
	fi, err := scanFile(r.db.QueryRowContext(ctx, query, sharingGroupUUID, fileUUID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return fi, nil
}

func (r *PostgresRepository) Get(ctx context.Context, sharingGroupUUID, fileUUID string) (*models.FileIndex, error) {
	query := `SELECT ` + columns + ` FROM file_index WHERE sharing_group_uuid = $1 AND file_uuid = $2`
	return r.get(ctx, query, sharingGroupUUID, fileUUID)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, sharingGroupUUID, fileUUID string) (*models.FileIndex, error) {
	query := `SELECT ` + columns + ` FROM file_index WHERE sharing_group_uuid = $1 AND file_uuid = $2 FOR UPDATE`
	return r.get(ctx, query, sharingGroupUUID, fileUUID)
}

func (r *PostgresRepository) ListByFileGroup(ctx context.Context, fileGroupUUID string) ([]*models.FileIndex, error) {
	query := `SELECT ` + columns + ` FROM file_index WHERE file_group_uuid = $1 ORDER BY id`
	return r.scanAll(ctx, query, fileGroupUUID)
}

func (r *PostgresRepository) Update(ctx context.Context, fi *models.FileIndex, expectedVersion int64) error {
	query := `UPDATE file_index
		SET file_version = $1, file_size_bytes = $2, last_uploaded_check_sum = $3, update_date = $4
		WHERE id = $5 AND file_version = $6`

	res, err := r.db.ExecContext(ctx, query,
		fi.FileVersion, fi.FileSizeBytes, fi.LastUploadedCheckSum, fi.UpdateDate, fi.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE file_index SET deleted = TRUE WHERE id = $1`, id)
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

func (r *PostgresRepository) MarkDeletedForUser(ctx context.Context, sharingGroupUUID string, userID int64) ([]*models.FileIndex, error) {
	query := `UPDATE file_index SET deleted = TRUE
		WHERE sharing_group_uuid = $1 AND deleted = FALSE
		AND (user_id = $2 OR file_group_uuid IN (SELECT file_group_uuid FROM file_groups WHERE user_id = $2))
		RETURNING ` + columns
	return r.scanAll(ctx, query, sharingGroupUUID, userID)
}

func (r *PostgresRepository) MarkDeletedForSharingGroup(ctx context.Context, sharingGroupUUID string) ([]*models.FileIndex, error) {
	query := `UPDATE file_index SET deleted = TRUE
		WHERE sharing_group_uuid = $1 AND deleted = FALSE
		RETURNING ` + columns
	return r.scanAll(ctx, query, sharingGroupUUID)
}

func (r *PostgresRepository) MoveFileGroups(ctx context.Context, fileGroupUUIDs []string, src, dst string) (int64, error) {
	if len(fileGroupUUIDs) == 0 {
		return 0, nil
	}
	query := `UPDATE file_index SET sharing_group_uuid = $1
		WHERE sharing_group_uuid = $2 AND file_group_uuid IN (` + dbx.Placeholders(3, len(fileGroupUUIDs)) + `)`

	res, err := r.db.ExecContext(ctx, query, append([]any{dst, src}, dbx.Args(fileGroupUUIDs)...)...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
