package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func always(error) bool { return true }

func TestRetryWithBackoff_Success(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), quiet, 3, 10*time.Millisecond, always, func() error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts, "should succeed on first try")
}

func TestRetryWithBackoff_EventualSuccess(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), quiet, 5, time.Millisecond, always, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "should succeed on third attempt")
}

func TestRetryWithBackoff_AllAttemptsFail(t *testing.T) {
	attempts := 0
	expectedErr := errors.New("persistent error")
	err := retryWithBackoff(context.Background(), quiet, 3, time.Millisecond, always, func() error {
		attempts++
		return expectedErr
	})
	assert.Equal(t, expectedErr, err, "should return the original error")
	assert.Equal(t, 3, attempts, "should attempt exactly maxAttempts times")
}

func TestRetryWithBackoff_PermanentErrorStops(t *testing.T) {
	attempts := 0
	permanent := errors.New("bad request")
	err := retryWithBackoff(context.Background(), quiet, 5, time.Millisecond,
		func(err error) bool { return !errors.Is(err, permanent) },
		func() error {
			attempts++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts, "permanent errors are not retried")
}

func TestRetryWithBackoff_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := retryWithBackoff(ctx, quiet, 10, 10*time.Millisecond, always, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("error")
	})
	assert.ErrorIs(t, err, context.Canceled, "should return context.Canceled")
	assert.LessOrEqual(t, attempts, 2, "should stop when context is canceled")
}

func TestRetryWithBackoff_InvalidMaxAttempts(t *testing.T) {
	for _, n := range []int{0, -1} {
		attempts := 0
		err := retryWithBackoff(context.Background(), quiet, n, time.Millisecond, always, func() error {
			attempts++
			return nil
		})
		assert.ErrorIs(t, err, ErrInvalidMaxAttempts)
		assert.Zero(t, attempts)
	}
}
