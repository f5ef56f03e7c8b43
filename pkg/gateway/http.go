package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/router"
)

const (
	maxWebhookBody  = 2 << 20
	maxDispatchBody = 64 << 10

	eventStreamBuffer = 64

	requestIDHeader = "X-Request-ID"
)

func newRequestID() string {
	return uuid.NewString()
}

// Handler builds the gateway mux: provider webhooks, the hub webhook,
// direct dispatch (when a token is configured) and health endpoints.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.cfg.DispatchToken != "" {
		mux.HandleFunc("POST /dispatch", s.handleDispatch)
		mux.HandleFunc("GET /events", s.handleEvents)
	}
	mux.HandleFunc("POST /chatwoot/webhook/{webhook_id}", s.handleHubWebhook)

	for _, adapter := range s.registry.Adapters() {
		if mounter, ok := adapter.(channel.WebhookMounter); ok {
			mounter.Mount(mux, s.enqueueInbound)
		}
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	return s.withRequestContext(mux)
}

// withRequestContext tags each request with an id and recovers handler panics.
func (s *Service) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set(requestIDHeader, id)

		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("Recovered from handler panic", "request_id", id, "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
			}
		}()

		s.log.Debug("Request received", "request_id", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(router.WithRequestID(r.Context(), id)))
	})
}

func (s *Service) handleHubWebhook(w http.ResponseWriter, r *http.Request) {
	via, ok := s.registry.ByWebhook(r.PathValue("webhook_id"))
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Invalid webhook ID"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "unreadable body"})
		return
	}

	msg := bus.HubMessage{RequestID: router.RequestID(r.Context()), Via: via, Payload: payload}
	if !s.bus.PublishHub(r.Context(), msg) {
		s.log.Error("Hub webhook dropped, queue unavailable", "request_id", msg.RequestID, "via", via)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "queue unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// authorized checks the dispatch bearer token and writes the rejection.
func (s *Service) authorized(w http.ResponseWriter, r *http.Request) bool {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Missing bearer token"})
		return false
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.DispatchToken)) != 1 {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Invalid token"})
		return false
	}

	return true
}

func (s *Service) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	ctx := r.Context()
	req, err := router.DecodeDispatchRequest(io.LimitReader(r.Body, maxDispatchBody))
	if err != nil {
		s.dispatchFailed(ctx, req, err)
		writeJSON(w, router.HTTPStatus(err), map[string]string{"detail": err.Error()})
		return
	}

	res, err := s.router.Dispatch(ctx, req)
	if err != nil {
		s.dispatchFailed(ctx, req, err)
		writeJSON(w, router.HTTPStatus(err), map[string]string{"detail": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"channel":      string(res.Channel),
		"recipient_id": res.RecipientID,
		"message_id":   res.MessageID,
		"peer_id":      res.PeerID,
	})
}

// handleEvents streams bus events as server-sent events until the client
// goes away or the gateway stops.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "streaming unsupported"})
		return
	}

	events, cancel := s.bus.SubscribeEvents(r.Context(), eventStreamBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Info("Event stream opened", "request_id", router.RequestID(r.Context()))
	defer s.log.Info("Event stream closed", "request_id", router.RequestID(r.Context()))

	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Service) dispatchFailed(ctx context.Context, req router.DispatchRequest, err error) {
	requestID := router.RequestID(ctx)
	kind := router.KindOf(err)
	if router.HTTPStatus(err) >= http.StatusInternalServerError {
		s.log.Error("Dispatch failed", "request_id", requestID, "channel", req.Channel, "recipient", req.RecipientID, "kind", kind, "error", err)
	} else {
		s.log.Warn("Dispatch rejected", "request_id", requestID, "channel", req.Channel, "recipient", req.RecipientID, "kind", kind, "error", err)
	}

	s.bus.PublishEvent(context.WithoutCancel(ctx), bus.Event{
		Type:      bus.EventDispatchFailed,
		Channel:   string(req.Channel),
		Recipient: req.RecipientID,
		RequestID: requestID,
		Payload:   map[string]string{"kind": string(kind)},
		Error:     err.Error(),
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	if err := writeJSON(w, statusCode, s.currentStatus(status)); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}
