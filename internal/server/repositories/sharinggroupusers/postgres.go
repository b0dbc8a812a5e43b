package sharinggroupusers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
	"github.com/dmitrijs2005/syncserver/internal/server/models"
)

const columns = `id, sharing_group_uuid, user_id, owning_user_id, permission, deleted`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(row scanner) (*models.SharingGroupUser, error) {
	var (
		m          models.SharingGroupUser
		owning     sql.NullInt64
		permission string
	)
	if err := row.Scan(&m.ID, &m.SharingGroupUUID, &m.UserID, &owning, &permission, &m.Deleted); err != nil {
		return nil, err
	}
	p, err := models.ParsePermission(permission)
	if err != nil {
		return nil, err
	}
	m.Permission = p
	if owning.Valid {
		v := owning.Int64
		m.OwningUserID = &v
	}
	return &m, nil
}

func nullable(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (r *PostgresRepository) Add(ctx context.Context, member *models.SharingGroupUser) (*models.SharingGroupUser, error) {
	query := `INSERT INTO sharing_group_users (sharing_group_uuid, user_id, owning_user_id, permission, deleted)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (sharing_group_uuid, user_id) DO UPDATE
		SET owning_user_id = EXCLUDED.owning_user_id, permission = EXCLUDED.permission, deleted = FALSE
		WHERE sharing_group_users.deleted = TRUE
		RETURNING id`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		member.SharingGroupUUID, member.UserID, nullable(member.OwningUserID), string(member.Permission),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorAlreadyExists
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	out := *member
	out.ID = id
	out.Deleted = false
	return &out, nil
}

func (r *PostgresRepository) GetActive(ctx context.Context, sharingGroupUUID string, userID int64) (*models.SharingGroupUser, error) {
	query := `SELECT ` + columns + ` FROM sharing_group_users
		WHERE sharing_group_uuid = $1 AND user_id = $2 AND deleted = FALSE`

	m, err := scanMember(r.db.QueryRowContext(ctx, query, sharingGroupUUID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context, sharingGroupUUID string) ([]*models.SharingGroupUser, error) {
	query := `SELECT ` + columns + ` FROM sharing_group_users
		WHERE sharing_group_uuid = $1 AND deleted = FALSE ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, sharingGroupUUID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.SharingGroupUser
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) CountActiveMembers(ctx context.Context, sharingGroupUUID string, userIDs []int64) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(DISTINCT user_id) FROM sharing_group_users
		WHERE sharing_group_uuid = $1 AND deleted = FALSE AND user_id IN (` + dbx.Placeholders(2, len(userIDs)) + `)`

	args := append([]any{sharingGroupUUID}, dbx.Args(userIDs)...)

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, sharingGroupUUID string, userID int64) error {
	query := `UPDATE sharing_group_users SET deleted = TRUE
		WHERE sharing_group_uuid = $1 AND user_id = $2 AND deleted = FALSE`

	res, err := r.db.ExecContext(ctx, query, sharingGroupUUID, userID)
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

func (r *PostgresRepository) MarkAllDeleted(ctx context.Context, sharingGroupUUID string) (int64, error) {
	query := `UPDATE sharing_group_users SET deleted = TRUE
		WHERE sharing_group_uuid = $1 AND deleted = FALSE`

	return r.exec(ctx, query, sharingGroupUUID)
}

func (r *PostgresRepository) ResetOwningUserIDs(ctx context.Context, sharingGroupUUID string, owningUserID int64) (int64, error) {
	query := `UPDATE sharing_group_users SET owning_user_id = NULL
		WHERE sharing_group_uuid = $1 AND owning_user_id = $2`

	return r.exec(ctx, query, sharingGroupUUID, owningUserID)
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
