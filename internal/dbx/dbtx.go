// Package dbx holds the transaction plumbing shared by the metadata
// repositories and services. Every repository takes a DBTX, so one service
// step can run the file index, uploads, deferred uploads and master version
// repositories against a single *sql.Tx.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DBTX is what repositories query through: the pool for one-off reads, or
// the transaction a service opened with WithTx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxFunc is one service step, such as queueing a change or applying a file
// group's deferred uploads. It must use tx instead of the pool.
type TxFunc func(ctx context.Context, tx DBTX) error

// ErrCommit marks a failed COMMIT. Anything fn did outside the database,
// such as cloud writes, has already happened when it is returned.
var ErrCommit = errors.New("commit failed")

// WithTx runs fn in a transaction and commits when it returns nil. An error
// or panic from fn rolls back; panics are rethrown and a failed rollback is
// joined to fn's error.
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    return manager.FileIndex(tx).Update(ctx, fi, oldVersion)
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("%w: %w", ErrCommit, cErr)
		}
	}()

	return fn(ctx, tx)
}
