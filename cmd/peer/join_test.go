package main

import (
	"context"
	"testing"
	"time"

	apperrors "meshroom/pkg/errors"
	"meshroom/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = attempts
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestJoinWhileConflict_RetriesUntilHandleIsFree(t *testing.T) {
	calls := 0
	err := joinWhileConflict(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.NewConflictError("peer handle already in use in this room")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestJoinWhileConflict_OtherErrorsStopImmediately(t *testing.T) {
	calls := 0
	err := joinWhileConflict(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return apperrors.NewTransportDisconnectedError(nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransportDisconnected), "got %v", err)
}

func TestJoinWhileConflict_GivesUp(t *testing.T) {
	calls := 0
	err := joinWhileConflict(context.Background(), fastRetry(2), func(context.Context) error {
		calls++
		return apperrors.NewConflictError("room is full")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "first attempt plus two retries")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
}

func TestRejoinConfig_OutlastsPongTimeout(t *testing.T) {
	for _, pong := range []time.Duration{150 * time.Millisecond, 10 * time.Second, 60 * time.Second} {
		cfg := rejoinConfig(pong)
		require.Positive(t, cfg.MaxAttempts)
		assert.False(t, cfg.Jitter)

		var total time.Duration
		delay := cfg.InitialDelay
		for i := 0; i < cfg.MaxAttempts; i++ {
			total += delay
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		assert.GreaterOrEqual(t, total, pong, "pong timeout %s", pong)
	}
}
