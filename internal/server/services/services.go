// Package services contains the sync engine's business logic: upload intake,
// the sharing engine, the deferred-upload orchestrator, the stale-version
// sweeper and the scheduler that drives the last two.
package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dmitrijs2005/syncserver/internal/common"
	"github.com/dmitrijs2005/syncserver/internal/dbx"
)

// txRunner runs fn inside one transaction. Services default to retrying
// serialization failures and deadlocks; tests swap in their own runner.
type txRunner func(ctx context.Context, fn dbx.TxFunc) error

func retryingTx(db *sql.DB) txRunner {
	return func(ctx context.Context, fn dbx.TxFunc) error {
		return dbx.WithRetryTx(ctx, db, nil, dbx.DefaultRetryPolicy, fn)
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrorNotFound)
}
