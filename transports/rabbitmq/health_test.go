package rabbitmq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerCheck(t *testing.T) {
	t.Run("unused broker is not connected", func(t *testing.T) {
		b := newTestBroker()
		defer b.Close()

		result := b.Check(context.Background())
		assert.Equal(t, "rabbitmq", result.Name)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Not connected", result.Message)
		assert.NotZero(t, result.Timestamp)
	})

	t.Run("failed connect stays unhealthy", func(t *testing.T) {
		b := newTestBroker()
		defer b.Close()

		assert.Error(t, b.EnsureConnection(context.Background()))
		assert.Equal(t, StatusUnhealthy, b.Check(context.Background()).Status)
	})

	t.Run("closed broker", func(t *testing.T) {
		b := newTestBroker()
		assert.NoError(t, b.Close())

		result := b.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Broker is closed", result.Message)
	})
}
