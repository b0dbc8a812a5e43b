package locks

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

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Acquire(ctx context.Context, lock *models.Lock, now time.Time) (bool, error) {
	query := `INSERT INTO locks (resource, owner, expiry) VALUES ($1, $2, $3)
		ON CONFLICT (resource) DO UPDATE SET owner = EXCLUDED.owner, expiry = EXCLUDED.expiry
		WHERE locks.expiry < $4 OR locks.owner = EXCLUDED.owner`

	res, err := r.db.ExecContext(ctx, query, lock.Resource, lock.Owner, lock.Expiry, now)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

// Release drops the lock if owner still holds it; a lock taken over after
// expiry is left alone.
func (r *PostgresRepository) Release(ctx context.Context, resource, owner string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM locks WHERE resource = $1 AND owner = $2`, resource, owner)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, resource string) (*models.Lock, error) {
	l := &models.Lock{}
	err := r.db.QueryRowContext(ctx, `SELECT resource, owner, expiry FROM locks WHERE resource = $1`, resource).
		Scan(&l.Resource, &l.Owner, &l.Expiry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return l, nil
}
