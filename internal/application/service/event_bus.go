package service

import (
	"context"
	"sync"

	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/service"
	"github.com/turtacn/keyagent/pkg/logger"
)

// EventBus fans key events out to in-process subscribers and durable sinks.
// Subscribers never block a publisher: a full subscriber channel drops the event.
// EventBus 将密钥事件分发给进程内订阅者和持久化接收器。
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan models.KeyEvent
	nextID      int
	sinks       []service.KeyEventSink
	closed      bool
	logger      logger.Logger
}

// NewEventBus creates a bus that also forwards every event to sinks.
func NewEventBus(log logger.Logger, sinks ...service.KeyEventSink) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan models.KeyEvent),
		sinks:       sinks,
		logger:      log.WithComponent("EventBus"),
	}
}

// Subscribe returns a channel receiving subsequent events and a function that ends
// the subscription and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan models.KeyEvent, func()) {
	ch := make(chan models.KeyEvent, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(c)
			}
		})
	}
}

// AddSink registers a durable sink.
func (b *EventBus) AddSink(sink service.KeyEventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish delivers event to every subscriber and sink. Sink failures are logged.
func (b *EventBus) Publish(ctx context.Context, event models.KeyEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn(ctx, "Dropping key event for slow subscriber", logger.String("event_type", string(event.Type)))
		}
	}
	sinks := append([]service.KeyEventSink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.logger.Error(ctx, "Key event sink failed", err,
				logger.String("event_type", string(event.Type)),
				logger.String("fingerprint", event.Fingerprint),
			)
		}
	}
}

// Close ends every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
