// Package util provides shared utility functions for dedupfs.
package util

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"dedupfs/internal/common"
)

// StaleRetryAttempts bounds the read-modify-commit retry loop for a single
// file operation. Exceeding it surfaces common.ErrWriteConflict.
const StaleRetryAttempts = 5

// StaleRetryOptions returns retry options for generation conflicts on a
// file's block list. Delays are short: the loser re-reads fresh state and
// usually wins on the next attempt.
func StaleRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(StaleRetryAttempts),
		retry.Delay(2 * time.Millisecond),
		retry.MaxDelay(50 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsStaleGeneration),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DatabaseRetryOptions returns retry options for transient SQLite lock
// errors. Uses linear backoff suitable for WAL checkpoint contention.
func DatabaseRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DatabaseRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DatabaseRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsStaleGeneration returns true if the error is a lost block-list CAS race.
func IsStaleGeneration(err error) bool {
	return errors.Is(err, common.ErrStaleGeneration)
}

// IsDatabaseLocked returns true if the error indicates a database lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}
