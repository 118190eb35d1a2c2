package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"arbor/pkg/types"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus(16, zap.NewNop())

	var mu sync.Mutex
	received := []types.Event{}
	bus.Subscribe(func(ev types.Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})

	bus.Publish(types.Event{Type: types.EventCreated, Path: "/a.txt"})
	bus.Publish(types.Event{Type: types.EventDeleted, Path: "/a.txt"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, types.EventCreated, received[0].Type)
	assert.Equal(t, types.EventDeleted, received[1].Type)
	assert.False(t, received[0].Time.IsZero())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(16, zap.NewNop())

	var count atomicCounter
	sub := bus.Subscribe(func(types.Event) { count.inc() })
	bus.Unsubscribe(sub)

	bus.Publish(types.Event{Type: types.EventCreated, Path: "/x"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Close(ctx))
	assert.Equal(t, 0, count.get())
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(1, zap.NewNop())

	// A blocked handler keeps the dispatcher busy while we flood the queue.
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(func(types.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	bus.Publish(types.Event{Type: types.EventCreated, Path: "/0"})
	<-started
	for i := 0; i < 10; i++ {
		bus.Publish(types.Event{Type: types.EventCreated, Path: "/flood"})
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Close(ctx))

	stats := bus.Stats()
	assert.Equal(t, uint64(11), stats.Published)
	assert.Greater(t, stats.Dropped, uint64(0))
	assert.Equal(t, stats.Published-stats.Dropped, stats.Delivered)
}

func TestHandlerPanicIsContained(t *testing.T) {
	bus := NewBus(16, zap.NewNop())

	var count atomicCounter
	bus.Subscribe(func(types.Event) { panic("boom") })
	bus.Subscribe(func(types.Event) { count.inc() })

	bus.Publish(types.Event{Type: types.EventUpdated, Path: "/p"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Close(ctx))

	assert.Equal(t, 1, count.get())
	assert.Equal(t, uint64(1), bus.Stats().Panics)
}

func TestPublishAfterCloseDrops(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	require.NoError(t, bus.Close(context.Background()))

	bus.Publish(types.Event{Type: types.EventCreated, Path: "/late"})

	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus(4, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, bus.Close(ctx))
	require.NoError(t, bus.Close(ctx))
}

type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
