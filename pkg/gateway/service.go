// Package gateway runs the HTTP surface, the adapter event loops and the bus
// workers that feed the router.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"
	"chatbridge/pkg/hub"
	"chatbridge/pkg/router"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultProbeTimeout   = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// HubProbe checks that the hub answers with the configured credentials.
type HubProbe interface {
	ListInboxes(ctx context.Context) ([]hub.Inbox, error)
}

type Service struct {
	cfg      config.GatewayConfig
	log      *slog.Logger
	registry *channel.Registry
	router   *router.Router
	hub      HubProbe
	bus      *bus.MessageBus
	senders  *senderLocks

	mu            sync.RWMutex
	startedAt     time.Time
	hubLastOKAt   time.Time
	hubLastErr    string
	channelStates map[channel.ID]channelState
}

type channelState struct {
	Enabled         bool   `json:"enabled"`
	Running         bool   `json:"running"`
	Error           string `json:"error,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	LastErrorAt     string `json:"last_error_at,omitempty"`
	LastDeliveredAt string `json:"last_delivered_at,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	HubLastOKAt   string                  `json:"hub_last_ok_at,omitempty"`
	HubLastErr    string                  `json:"hub_last_error,omitempty"`
	Queue         queueStatus             `json:"queue"`
	Channels      map[string]channelState `json:"channels"`
}

type queueStatus struct {
	Inbound int `json:"inbound"`
	Hub     int `json:"hub"`
}

func NewService(cfg config.GatewayConfig, registry *channel.Registry, rt *router.Router, probe HubProbe, mb *bus.MessageBus, log *slog.Logger) (*Service, error) {
	switch {
	case registry == nil:
		return nil, errors.New("channel registry is required")
	case len(registry.IDs()) == 0:
		return nil, errors.New("at least one channel must be bound")
	case rt == nil:
		return nil, errors.New("router is required")
	case mb == nil:
		return nil, errors.New("message bus is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}

	states := make(map[channel.ID]channelState, len(channel.All))
	for _, id := range channel.All {
		_, bound := registry.Adapter(id)
		states[id] = channelState{Enabled: bound}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		registry:      registry,
		router:        rt,
		hub:           probe,
		bus:           mb,
		senders:       newSenderLocks(),
		channelStates: states,
	}, nil
}

// Run serves HTTP, runs every adapter and the bus workers until ctx is done
// or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkHubHealth(ctx); err != nil {
		s.log.Warn("Hub is not reachable yet", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := s.bus.SubscribeEvents(ctx, 0)
	defer unsubscribe()
	go s.trackEvents(events)

	serverErrors := make(chan error, 1)
	go s.runHTTPServer(ctx, serverErrors)

	go func() {
		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.checkHubHealth(ctx); err != nil {
					s.log.Warn("Hub health check failed", "error", err)
				}
			}
		}
	}()

	workersDone := make(chan error, 1)
	go func() {
		workersDone <- s.runWorkers(ctx, s.cfg.Workers)
	}()

	adapters := s.registry.Adapters()
	errCh := make(chan error, len(adapters))
	for _, adapter := range adapters {
		s.setRunning(adapter.ID(), true, nil)

		go func() {
			err := s.guard(func() error { return adapter.Run(ctx, s.enqueueInbound) })
			s.setRunning(adapter.ID(), false, err)
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.ID(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	cancel()
	<-workersDone

	waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer waitCancel()
	s.router.Wait(waitCtx)

	return runErr
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	addr := s.cfg.Address()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway HTTP server started", "address", addr, "dispatch", s.cfg.DispatchToken != "")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start http server: %w", err)
	}
}

// trackEvents folds delivery events into the per-channel health state.
func (s *Service) trackEvents(events <-chan bus.Event) {
	for event := range events {
		id := channel.ID(event.Channel)
		at := event.At.Format(time.RFC3339)

		s.mu.Lock()
		state, ok := s.channelStates[id]
		if ok {
			switch {
			case event.Type.Failed():
				state.LastError = event.Error
				state.LastErrorAt = at
			case event.Type == bus.EventInboundDelivered, event.Type == bus.EventOutboundDelivered, event.Type == bus.EventDispatchDelivered:
				state.LastDeliveredAt = at
			}
			s.channelStates[id] = state
		}
		s.mu.Unlock()
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for id, state := range s.channelStates {
		channels[string(id)] = state
	}

	hubLastOK := ""
	if !s.hubLastOKAt.IsZero() {
		hubLastOK = s.hubLastOKAt.Format(time.RFC3339)
	}

	inbound, hubPending := s.bus.Pending()

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		HubLastOKAt:   hubLastOK,
		HubLastErr:    s.hubLastErr,
		Queue:         queueStatus{Inbound: inbound, Hub: hubPending},
		Channels:      channels,
	}
}

// isReady requires a healthy hub and every bound channel running.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.hubLastOKAt.IsZero() || s.hubLastErr != "" {
		return false
	}

	enabled := 0
	for _, state := range s.channelStates {
		if !state.Enabled {
			continue
		}
		enabled++
		if !state.Running {
			return false
		}
	}

	return enabled > 0
}

func (s *Service) checkHubHealth(ctx context.Context) error {
	if s.hub == nil {
		return errors.New("hub probe is not configured")
	}

	timeout := s.cfg.OutboundTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := s.hub.ListInboxes(ctx); err != nil {
		s.mu.Lock()
		s.hubLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("hub health check failed: %w", err)
	}

	s.mu.Lock()
	s.hubLastErr = ""
	s.hubLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setRunning(id channel.ID, running bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.channelStates[id]
	state.Running = running
	state.Error = errorString(err)
	s.channelStates[id] = state
}

func errorString(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}

	return err.Error()
}
