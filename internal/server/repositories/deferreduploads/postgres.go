package deferreduploads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

const columns = `id, file_group_uuid, sharing_group_uuid, user_id, batch_uuid, status, creation_date`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeferred(row scanner) (*models.DeferredUpload, error) {
	var (
		du     models.DeferredUpload
		batch  sql.NullString
		status string
	)
	if err := row.Scan(&du.ID, &du.FileGroupUUID, &du.SharingGroupUUID, &du.UserID, &batch, &status, &du.CreationDate); err != nil {
		return nil, err
	}
	if batch.Valid {
		du.BatchUUID = &batch.String
	}
	du.Status = models.DeferredUploadStatus(status)
	return &du, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.DeferredUpload, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.DeferredUpload
	for rows.Next() {
		du, err := scanDeferred(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, du)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Create(ctx context.Context, du *models.DeferredUpload) (int64, error) {
	query := `INSERT INTO deferred_uploads (file_group_uuid, sharing_group_uuid, user_id, batch_uuid, status, creation_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		du.FileGroupUUID, du.SharingGroupUUID, du.UserID, nullString(du.BatchUUID), string(du.Status), du.CreationDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) FindPending(ctx context.Context, sharingGroupUUID, fileGroupUUID string, status models.DeferredUploadStatus, batchUUID *string) (*models.DeferredUpload, error) {
	query := `SELECT ` + columns + ` FROM deferred_uploads
		WHERE sharing_group_uuid = $1 AND file_group_uuid = $2 AND status = $3
		AND batch_uuid IS NOT DISTINCT FROM $4
		ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED`

	du, err := scanDeferred(r.db.QueryRowContext(ctx, query, sharingGroupUUID, fileGroupUUID, string(status), nullString(batchUUID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return du, nil
}

// ListPending returns the oldest queued batches first.
func (r *PostgresRepository) ListPending(ctx context.Context, limit int) ([]*models.DeferredUpload, error) {
	query := `SELECT ` + columns + ` FROM deferred_uploads
		WHERE status IN ($1, $2) ORDER BY id LIMIT $3`

	return r.list(ctx, query,
		string(models.DeferredUploadPendingChange), string(models.DeferredUploadPendingDeletion), limit)
}

func (r *PostgresRepository) LockByIDs(ctx context.Context, ids []int64) ([]*models.DeferredUpload, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + columns + ` FROM deferred_uploads
		WHERE id IN (` + dbx.Placeholders(1, len(ids)) + `) ORDER BY id FOR UPDATE`
	return r.list(ctx, query, dbx.Args(ids)...)
}

func (r *PostgresRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM deferred_uploads WHERE id IN (` + dbx.Placeholders(1, len(ids)) + `)`
	return r.exec(ctx, query, dbx.Args(ids)...)
}

func (r *PostgresRepository) MoveFileGroups(ctx context.Context, fileGroupUUIDs []string, src, dst string) (int64, error) {
	if len(fileGroupUUIDs) == 0 {
		return 0, nil
	}
	query := `UPDATE deferred_uploads SET sharing_group_uuid = $1
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
