package staleversions

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, sv *models.StaleVersion) (int64, error) {
	query := `INSERT INTO stale_versions (file_index_id, file_uuid, sharing_group_uuid, device_uuid, mime_type,
		user_id, file_version, expiry_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		sv.FileIndexID, sv.FileUUID, sv.SharingGroupUUID, sv.DeviceUUID, sv.MimeType,
		sv.UserID, sv.FileVersion, sv.ExpiryDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.StaleVersion, error) {
	query := `SELECT id, file_index_id, file_uuid, sharing_group_uuid, device_uuid, mime_type, user_id,
		file_version, expiry_date
		FROM stale_versions WHERE expiry_date < $1 ORDER BY expiry_date, id LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.StaleVersion
	for rows.Next() {
		sv := &models.StaleVersion{}
		err := rows.Scan(&sv.ID, &sv.FileIndexID, &sv.FileUUID, &sv.SharingGroupUUID, &sv.DeviceUUID,
			&sv.MimeType, &sv.UserID, &sv.FileVersion, &sv.ExpiryDate)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, sv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM stale_versions WHERE id IN (` + dbx.Placeholders(1, len(ids)) + `)`

	res, err := r.db.ExecContext(ctx, query, dbx.Args(ids)...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
