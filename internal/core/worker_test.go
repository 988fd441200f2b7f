package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerDefaultsCapacity(t *testing.T) {
	assert.Equal(t, 1, NewWorker(1, 0, "a:1").Capacity)
	assert.Equal(t, 1, NewWorker(1, -3, "a:1").Capacity)
	assert.Equal(t, 8, NewWorker(1, 8, "a:1").Capacity)
}

func TestWorkerSend(t *testing.T) {
	t.Run("preserves order", func(t *testing.T) {
		w := NewWorker(1, 1, "a:1")
		require.NoError(t, w.Send([]byte("one")))
		require.NoError(t, w.Send([]byte("two")))

		assert.Equal(t, "one", string(<-w.Outbox()))
		assert.Equal(t, "two", string(<-w.Outbox()))
	})

	t.Run("full outbox fails without blocking", func(t *testing.T) {
		w := NewWorker(1, 1, "a:1")
		for i := 0; i < outboxSize; i++ {
			require.NoError(t, w.Send([]byte("x")))
		}
		assert.ErrorIs(t, w.Send([]byte("overflow")), ErrOutboxFull)
	})

	t.Run("send after close fails", func(t *testing.T) {
		w := NewWorker(1, 1, "a:1")
		w.close()
		assert.ErrorIs(t, w.Send([]byte("x")), ErrWorkerGone)
	})

	t.Run("close is safe to repeat", func(t *testing.T) {
		w := NewWorker(1, 1, "a:1")
		w.close()
		w.close()
		_, open := <-w.Outbox()
		assert.False(t, open)
	})
}
