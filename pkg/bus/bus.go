package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus decouples HTTP handlers and adapter event loops from the router
// workers that do the slow hub and provider calls.
type MessageBus struct {
	inbound chan InboundMessage
	hub     chan HubMessage

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBufferSize)
}

// NewMessageBusSize builds a bus whose queues hold up to size pending messages.
func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan InboundMessage, size),
		hub:              make(chan HubMessage, size),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	return publish(ctx, mb.done, mb.inbound, msg)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return consume(ctx, mb.done, mb.inbound)
}

func (mb *MessageBus) PublishHub(ctx context.Context, msg HubMessage) bool {
	return publish(ctx, mb.done, mb.hub, msg)
}

func (mb *MessageBus) ConsumeHub(ctx context.Context) (HubMessage, bool) {
	return consume(ctx, mb.done, mb.hub)
}

// Pending reports how many messages wait in each queue.
func (mb *MessageBus) Pending() (inbound, hub int) {
	return len(mb.inbound), len(mb.hub)
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}

func publish[T any](ctx context.Context, done <-chan struct{}, queue chan<- T, msg T) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	// A closed bus must refuse work even when the queue still has room.
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case queue <- msg:
		return true
	}
}

func consume[T any](ctx context.Context, done <-chan struct{}, queue <-chan T) (T, bool) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return zero, false
	case <-done:
		return zero, false
	case msg := <-queue:
		return msg, true
	}
}
