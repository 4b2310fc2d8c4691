package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Veraticus/taxflow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) service.RetryOptions {
	return service.RetryOptions{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithRetry(t *testing.T) {
	errTransient := errors.New("transient")

	tests := []struct {
		op        func(calls *int) error
		wantErr   error
		name      string
		wantCalls int
	}{
		{
			name:      "succeeds first time",
			op:        func(_ *int) error { return nil },
			wantCalls: 1,
		},
		{
			name: "succeeds after transient failures",
			op: func(calls *int) error {
				if *calls < 3 {
					return errTransient
				}
				return nil
			},
			wantCalls: 3,
		},
		{
			name:      "exhausts attempts",
			op:        func(_ *int) error { return errTransient },
			wantErr:   ErrMaxRetries,
			wantCalls: 3,
		},
		{
			name: "stops on non-retryable error",
			op: func(_ *int) error {
				return &RetryableError{Err: errTransient, Retryable: false}
			},
			wantErr:   errTransient,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := WithRetry(context.Background(), func() error {
				calls++
				return tt.op(&calls)
			}, fastRetry(3))

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestWithRetry_KeepsCauseAfterExhaustion(t *testing.T) {
	err := WithRetry(context.Background(), func() error {
		return ErrRateLimit
	}, fastRetry(2))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.ErrorIs(t, err, ErrRateLimit)
}

func TestWithRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		return nil
	}, fastRetry(3))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrRateLimit))
	assert.True(t, IsRetryable(ErrProviderMalformed))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(&RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.False(t, IsRetryable(&RetryableError{Err: errors.New("x"), Retryable: false}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestParseLevel(t *testing.T) {
	_, err := ParseLevel("debug")
	require.NoError(t, err)
	_, err = ParseLevel("verbose")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCompilePatterns(t *testing.T) {
	res, err := CompilePatterns([]string{`\bclient\b`, `lunch|dinner`})
	require.NoError(t, err)
	assert.Equal(t, 2, CountMatches(res, "Client LUNCH meeting"))
	assert.Equal(t, 0, CountMatches(res, "office rent"))

	_, err = CompilePatterns([]string{"("})
	assert.Error(t, err)
}
