package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/router"
)

// senderLocks serializes inbound events per sender so that two messages from
// the same person never race to open a hub conversation.
type senderLocks struct {
	mu    sync.Mutex
	locks map[string]*senderLock
}

type senderLock struct {
	mu   sync.Mutex
	refs int
}

func newSenderLocks() *senderLocks {
	return &senderLocks{locks: make(map[string]*senderLock)}
}

// Lock blocks until key is free and returns its unlock func.
func (l *senderLocks) Lock(key string) func() {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &senderLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		defer l.mu.Unlock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, key)
		}
	}
}

// Len reports how many senders currently hold or wait for a lock.
func (l *senderLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func senderKey(ev channel.InboundEvent) string {
	return string(ev.Channel) + ":" + ev.Sender.ExternalID
}

// runWorkers consumes both bus queues with n workers each until ctx is done.
func (s *Service) runWorkers(ctx context.Context, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for range n {
		g.Go(func() error {
			for {
				msg, ok := s.bus.ConsumeInbound(ctx)
				if !ok {
					return nil
				}
				s.processInbound(ctx, msg)
			}
		})
		g.Go(func() error {
			for {
				msg, ok := s.bus.ConsumeHub(ctx)
				if !ok {
					return nil
				}
				s.processHub(ctx, msg)
			}
		})
	}

	return g.Wait()
}

func (s *Service) processInbound(ctx context.Context, msg bus.InboundMessage) {
	ctx = router.WithRequestID(ctx, msg.RequestID)
	ev := msg.Event
	log := s.log.With("request_id", msg.RequestID, "channel", ev.Channel, "message_id", ev.MessageID)

	err := s.guard(func() error {
		unlock := s.senders.Lock(senderKey(ev))
		defer unlock()
		return s.router.HandleInbound(ctx, ev)
	})
	if err == nil {
		return
	}

	log.Error("Inbound message not delivered to hub", "kind", router.KindOf(err), "error", err)
	s.bus.PublishEvent(context.WithoutCancel(ctx), bus.Event{
		Type:      bus.EventInboundFailed,
		Channel:   string(ev.Channel),
		Recipient: ev.Sender.ExternalID,
		RequestID: msg.RequestID,
		Payload:   map[string]string{"kind": string(router.KindOf(err)), "message_id": ev.MessageID},
		Error:     err.Error(),
	})
}

func (s *Service) processHub(ctx context.Context, msg bus.HubMessage) {
	ctx = router.WithRequestID(ctx, msg.RequestID)
	log := s.log.With("request_id", msg.RequestID, "via", msg.Via)

	err := s.guard(func() error {
		return s.router.HandleOutbound(ctx, msg.Via, msg.Payload)
	})
	if err == nil {
		return
	}

	kind := router.KindOf(err)
	event := bus.Event{
		Type:      bus.EventOutboundFailed,
		Channel:   string(msg.Via),
		RequestID: msg.RequestID,
		Payload:   map[string]string{"kind": string(kind)},
		Error:     err.Error(),
	}
	if kind == router.KindRejected {
		log.Debug("Hub event ignored", "reason", err)
		event.Type = bus.EventOutboundIgnored
	} else {
		log.Error("Outbound delivery failed", "kind", kind, "error", err)
	}
	s.bus.PublishEvent(context.WithoutCancel(ctx), event)
}

// guard runs fn, turning a panic into an error so one bad event cannot take
// a worker down.
func (s *Service) guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("Recovered from panic", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	return fn()
}

// enqueueInbound is the channel.Handler given to every adapter. It only
// queues; the hub work happens on a worker.
func (s *Service) enqueueInbound(ctx context.Context, ev channel.InboundEvent) error {
	requestID := router.RequestID(ctx)
	if requestID == "" {
		requestID = newRequestID()
	}

	if !s.bus.PublishInbound(ctx, bus.InboundMessage{RequestID: requestID, Event: ev}) {
		return errors.New("inbound queue unavailable")
	}

	s.bus.PublishEvent(context.WithoutCancel(ctx), bus.Event{
		Type:      bus.EventInboundReceived,
		Channel:   string(ev.Channel),
		Recipient: ev.Sender.ExternalID,
		RequestID: requestID,
		Payload:   map[string]string{"message_id": ev.MessageID, "direction": string(ev.Direction)},
	})

	return nil
}
