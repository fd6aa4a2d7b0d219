package wait

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettle(t *testing.T) {
	t.Run("zero returns immediately", func(t *testing.T) {
		require.NoError(t, Settle(context.Background(), 0))
	})

	t.Run("waits the duration", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, Settle(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("cancelled context wins", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, Settle(ctx, time.Hour), context.Canceled)
	})
}

func TestWaitFor(t *testing.T) {
	t.Run("condition becomes true", func(t *testing.T) {
		var calls atomic.Int32
		w := NewWaiter(time.Second, 5*time.Millisecond)

		err := w.WaitFor(context.Background(), func(context.Context) bool {
			return calls.Add(1) >= 3
		}, "third call")
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("timeout", func(t *testing.T) {
		w := NewWaiter(30*time.Millisecond, 5*time.Millisecond)

		err := w.WaitFor(context.Background(), func(context.Context) bool { return false }, "never")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "never")
	})
}
