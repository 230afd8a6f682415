package market

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"no data sentinel", fmt.Errorf("wrap: %w", ErrNoData), false},
		{"rate limited sentinel", fmt.Errorf("wrap: %w", ErrRateLimited), false},
		{"unknown symbol sentinel", fmt.Errorf("wrap: %w", ErrUnknownSymbol), false},
		{"context cancel", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp 127.0.0.1:443: connection refused"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"client timeout", errors.New("Client.Timeout exceeded while awaiting headers"), true},
		{"server error", errors.New("alpha vantage returned status 503: unavailable"), true},
		{"bad gateway", errors.New("twelve data returned status 502: bad gateway"), true},
		{"parse failure", errors.New("failed to parse response"), false},
		{"bad request", errors.New("twelve data returned status 400: bad interval"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryAbortsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return fmt.Errorf("lookup failed: %w", ErrUnknownSymbol)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownSymbol))
	assert.Equal(t, 1, attempts)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return errors.New("connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial + 3 retries
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, fastRetryConfig(), func() error {
		t.Fatal("operation should not run after cancellation")
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
