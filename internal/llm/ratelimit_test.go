package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	t.Run("burst then wait", func(t *testing.T) {
		rl := newRateLimiter(600)
		assert.Equal(t, 60, rl.Burst())

		for i := 0; i < rl.Burst(); i++ {
			assert.True(t, rl.Allow())
		}
		assert.False(t, rl.Allow())

		start := time.Now()
		require.NoError(t, rl.Wait(context.Background()))
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("default and minimum burst", func(t *testing.T) {
		assert.Equal(t, 6, newRateLimiter(0).Burst())
		assert.Equal(t, 1, newRateLimiter(5).Burst())
	})

	t.Run("context cancellation", func(t *testing.T) {
		rl := newRateLimiter(1)
		require.True(t, rl.Allow())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.Error(t, rl.Wait(ctx))
	})
}
