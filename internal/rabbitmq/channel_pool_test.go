package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emptyPool returns a pool over a manager that never connected. It opens no
// channels up front, so every Get fails at channel creation.
func emptyPool(t *testing.T, opts ...ChannelPoolOption) *ChannelPool {
	t.Helper()
	manager := NewConnectionManager(refusedURL)
	pool, err := NewChannelPool(manager, append([]ChannelPoolOption{WithMinSize(0)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestChannelPool(t *testing.T) {
	t.Run("requires a manager", func(t *testing.T) {
		_, err := NewChannelPool(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("rejects invalid sizes", func(t *testing.T) {
		manager := NewConnectionManager(refusedURL)

		_, err := NewChannelPool(manager, WithMaxSize(0))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = NewChannelPool(manager, WithMaxSize(2), WithMinSize(3))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("initialization fails without connection", func(t *testing.T) {
		manager := NewConnectionManager(refusedURL)
		_, err := NewChannelPool(manager)
		require.Error(t, err)

		var chanErr *ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.Equal(t, "pool initialization", chanErr.Op)
		assert.ErrorIs(t, err, ErrChannelCreationFailed)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("applies options", func(t *testing.T) {
		pool := emptyPool(t,
			WithMaxSize(20),
			WithIdleTimeout(10*time.Minute),
			WithConfirmMode(false),
		)

		assert.Equal(t, 20, pool.maxSize)
		assert.Equal(t, 0, pool.minSize)
		assert.Equal(t, 10*time.Minute, pool.idleTimeout)
		assert.False(t, pool.confirm)
		assert.Zero(t, pool.Size())
	})

	t.Run("get fails while disconnected", func(t *testing.T) {
		pool := emptyPool(t)
		_, err := pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrChannelCreationFailed)
		assert.Zero(t, pool.Size())
	})

	t.Run("get honours a cancelled context", func(t *testing.T) {
		pool := emptyPool(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := pool.Get(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed pool", func(t *testing.T) {
		pool := emptyPool(t)
		require.NoError(t, pool.Close())
		require.NoError(t, pool.Close())

		_, err := pool.Get(context.Background())
		assert.Equal(t, ErrChannelPoolClosed, err)

		err = pool.Execute(context.Background(), nil)
		assert.ErrorIs(t, err, ErrChannelPoolClosed)

		pool.Put(nil)
		pool.Discard(nil)
	})
}
