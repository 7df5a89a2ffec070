package util

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dedupfs/internal/common"
)

func TestRetrySucceedsAfterTransientStaleness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	attempts := 0
	err := Retry(ctx, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("commit: %w", common.ErrStaleGeneration)
		}
		return nil
	}, StaleRetryOptions(ctx)...)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	attempts := 0
	err := Retry(ctx, func() error {
		attempts++
		return common.ErrStaleGeneration
	}, StaleRetryOptions(ctx)...)

	assert.ErrorIs(t, err, common.ErrStaleGeneration)
	assert.Equal(t, StaleRetryAttempts, attempts)
}

func TestRetryDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sentinel := errors.New("permanent failure")
	attempts := 0
	err := Retry(ctx, func() error {
		attempts++
		return sentinel
	}, StaleRetryOptions(ctx)...)

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	attempts := 0
	v, err := RetryWithResult(ctx, func() (int, error) {
		attempts++
		if attempts == 1 {
			return 0, common.ErrStaleGeneration
		}
		return 42, nil
	}, StaleRetryOptions(ctx)...)

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestIsStaleGeneration(t *testing.T) {
	t.Parallel()

	assert.True(t, IsStaleGeneration(common.ErrStaleGeneration))
	assert.True(t, IsStaleGeneration(fmt.Errorf("wrapped: %w", common.ErrStaleGeneration)))
	assert.False(t, IsStaleGeneration(errors.New("other")))
	assert.False(t, IsStaleGeneration(nil))
}

func TestIsDatabaseLocked(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDatabaseLocked(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsDatabaseLocked(errors.New("no such table")))
	assert.False(t, IsDatabaseLocked(nil))
}
