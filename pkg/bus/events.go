package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventInboundReceived  EventType = "inbound_received"
	EventInboundDelivered EventType = "inbound_delivered"
	EventInboundFailed    EventType = "inbound_failed"

	EventOutboundDelivered EventType = "outbound_delivered"
	EventOutboundIgnored   EventType = "outbound_ignored"
	EventOutboundFailed    EventType = "outbound_failed"

	EventDispatchDelivered EventType = "dispatch_delivered"
	EventDispatchFailed    EventType = "dispatch_failed"
)

// Failed reports whether the event records a delivery failure.
func (t EventType) Failed() bool {
	switch t {
	case EventInboundFailed, EventOutboundFailed, EventDispatchFailed:
		return true
	default:
		return false
	}
}

type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	Channel   string            `json:"channel,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PublishEvent fans event out to every subscriber without blocking.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// slow subscriber, drop
		}
	}

	return true
}

// SubscribeEvents registers a buffered subscriber. The returned channel is
// closed by the cancel func, by ctx, or when the bus closes.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			mb.mu.Lock()
			defer mb.mu.Unlock()
			if sub, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(sub)
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-mb.done:
		}
		cancel()
	}()

	return ch, cancel
}
