package uploads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

const columns = `id, file_uuid, file_group_uuid, sharing_group_uuid, user_id, device_uuid, file_version,
	deferred_upload_id, upload_contents, check_sum, state, creation_date`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (*models.Upload, error) {
	var (
		u        models.Upload
		deferred sql.NullInt64
		state    string
	)
	err := row.Scan(&u.ID, &u.FileUUID, &u.FileGroupUUID, &u.SharingGroupUUID, &u.UserID, &u.DeviceUUID,
		&u.FileVersion, &deferred, &u.UploadContents, &u.CheckSum, &state, &u.CreationDate)
	if err != nil {
		return nil, err
	}
	if deferred.Valid {
		id := deferred.Int64
		u.DeferredUploadID = &id
	}
	u.State = models.UploadState(state)
	return &u, nil
}

func (r *PostgresRepository) Create(ctx context.Context, u *models.Upload) (int64, error) {
	query := `INSERT INTO uploads (file_uuid, file_group_uuid, sharing_group_uuid, user_id, device_uuid,
		file_version, deferred_upload_id, upload_contents, check_sum, state, creation_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	var deferred sql.NullInt64
	if u.DeferredUploadID != nil {
		deferred = sql.NullInt64{Int64: *u.DeferredUploadID, Valid: true}
	}

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		u.FileUUID, u.FileGroupUUID, u.SharingGroupUUID, u.UserID, u.DeviceUUID,
		u.FileVersion, deferred, u.UploadContents, u.CheckSum, string(u.State), u.CreationDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) ListByDeferredUploadIDs(ctx context.Context, ids []int64) ([]*models.Upload, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + columns + ` FROM uploads
		WHERE deferred_upload_id IN (` + dbx.Placeholders(1, len(ids)) + `) ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, dbx.Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) FindDuplicate(ctx context.Context, u *models.Upload) (*models.Upload, error) {
	query := `SELECT ` + columns + ` FROM uploads
		WHERE sharing_group_uuid = $1 AND file_uuid = $2 AND device_uuid = $3
		AND file_version = $4 AND check_sum = $5 AND state = $6
		ORDER BY id LIMIT 1`

	found, err := scanUpload(r.db.QueryRowContext(ctx, query,
		u.SharingGroupUUID, u.FileUUID, u.DeviceUUID, u.FileVersion, u.CheckSum, string(u.State)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return found, nil
}

func (r *PostgresRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM uploads WHERE id IN (` + dbx.Placeholders(1, len(ids)) + `)`
	return r.exec(ctx, query, dbx.Args(ids)...)
}

// DeleteCompletedV0 drops the idempotency records left by finished v0 uploads.
func (r *PostgresRepository) DeleteCompletedV0(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM uploads WHERE state = $1 AND deferred_upload_id IS NULL AND creation_date < $2`
	return r.exec(ctx, query, string(models.UploadStateV0Completed), olderThan)
}

func (r *PostgresRepository) MoveFileGroups(ctx context.Context, fileGroupUUIDs []string, src, dst string) (int64, error) {
	if len(fileGroupUUIDs) == 0 {
		return 0, nil
	}
	query := `UPDATE uploads SET sharing_group_uuid = $1
		WHERE sharing_group_uuid = $2 AND file_group_uuid IN (` + dbx.Placeholders(3, len(fileGroupUUIDs)) + `)`
	return r.exec(ctx, query, append([]any{dst, src}, dbx.Args(fileGroupUUIDs)...)...)
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
