package dbx

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes that are safe to retry as a whole transaction.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// RetryPolicy bounds how often and how patiently a transaction is retried.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy is used when WithRetryTx receives a zero policy.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}

// IsRetryable reports whether err is a serialization failure or deadlock
// reported by PostgreSQL.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// WithRetryTx runs fn through WithTx, starting over with a fresh transaction
// when the database aborts it with a retryable error. fn must therefore be
// free of side effects outside the transaction, or tolerate repeating them.
func WithRetryTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, policy RetryPolicy, fn TxFunc) error {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy
	}

	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err = WithTx(ctx, db, opts, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Backoff * time.Duration(attempt)):
		}
	}
	return err
}
