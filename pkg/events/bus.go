// Package events delivers tree change notifications to subscribers.
// Delivery is asynchronous and fire-and-forget: a slow or failing
// subscriber never blocks or rolls back the mutation that caused the
// event.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"arbor/pkg/types"
)

const DefaultQueueSize = 256

// Handler consumes one event. Handlers run on the bus worker goroutine;
// long work should be handed off by the subscriber.
type Handler func(types.Event)

// Subscription identifies a registered handler.
type Subscription struct {
	id uint64
}

// Stats reports bus counters.
type Stats struct {
	Published  uint64
	Delivered  uint64
	Dropped    uint64
	Panics     uint64
	QueueDepth int
}

// Bus fan-outs events to all subscribers through a bounded queue.
type Bus struct {
	logger *zap.Logger
	queue  chan types.Event

	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
	closed   bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64

	done chan struct{}
	once sync.Once
}

func NewBus(queueSize int, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		logger:   logger,
		queue:    make(chan types.Event, queueSize),
		handlers: make(map[uint64]Handler),
		done:     make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	return Subscription{id: id}
}

// Unsubscribe removes a handler. Events already queued may still be
// delivered to it.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, sub.id)
}

// Publish enqueues an event without blocking. When the queue is full or
// the bus is closed the event is counted as dropped, never stalling or
// failing the caller.
func (b *Bus) Publish(ev types.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event queue full, dropping event",
			zap.String("type", ev.Type.String()),
			zap.String("path", ev.Path))
	}
}

// Close stops delivery after draining queued events or when ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.queue)
		select {
		case <-b.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published:  b.published.Load(),
		Delivered:  b.delivered.Load(),
		Dropped:    b.dropped.Load(),
		Panics:     b.panics.Load(),
		QueueDepth: len(b.queue),
	}
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)
	for ev := range b.queue {
		b.mu.RLock()
		handlers := make([]Handler, 0, len(b.handlers))
		for _, h := range b.handlers {
			handlers = append(handlers, h)
		}
		b.mu.RUnlock()

		for _, h := range handlers {
			b.deliver(h, ev)
		}
	}
}

func (b *Bus) deliver(h Handler, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("Event handler panicked",
				zap.String("type", ev.Type.String()),
				zap.String("path", ev.Path),
				zap.Any("panic", r))
		}
	}()
	h(ev)
	b.delivered.Add(1)
}
