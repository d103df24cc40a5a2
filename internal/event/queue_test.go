package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Publish(DeliverableCompleted{Role: "architect", Path: "a.md"})
	q.Publish(DeliverableCompleted{Role: "architect", Path: "b.md"})
	assert.Equal(t, 2, q.Len())

	ctx := context.Background()
	first, err := q.Next(ctx)
	require.NoError(t, err)
	second, err := q.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, "a.md", first.(DeliverableCompleted).Path)
	assert.Equal(t, "b.md", second.(DeliverableCompleted).Path)
	assert.Zero(t, q.Len())
}

func TestQueueNextWaitsForPublish(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Publish(Tick{At: time.Now()})
	}()

	ev, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tick", ev.Kind())
}

func TestQueueNextHonoursCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue()
	q.Publish(TerminalError{Role: "backend"})
	q.Publish(Tick{})
	evs := q.Drain()
	require.Len(t, evs, 2)
	assert.IsType(t, TerminalError{}, evs[0])
	assert.Empty(t, q.Drain())
}

func TestSubscribersAreLossy(t *testing.T) {
	q := NewQueue()
	ch, cancel := q.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		q.Publish(Tick{})
	}
	assert.Equal(t, subscriberBuffer+10, q.Len(), "primary queue keeps everything")
	assert.Len(t, ch, subscriberBuffer)

	env := <-ch
	assert.Equal(t, "tick", env.Kind)

	cancel()
	cancel()
	q.Publish(Tick{})
}
