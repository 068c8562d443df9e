// Package retry retries storage work that failed for transient reasons.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MaxTries bounds every retried operation.
const MaxTries = 3

// Postgres error codes worth a second attempt.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsTransient reports whether err came from storage contention or a dropped
// connection rather than from the operation itself.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return pgconn.SafeToRetry(err)
}

// Do runs op until it succeeds, fails permanently, or MaxTries is reached.
// Only transient errors are retried.
func Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(MaxTries))
	return err
}
