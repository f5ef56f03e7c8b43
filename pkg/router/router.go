// Package router moves messages between the messenger adapters and the hub.
//
// Inbound events are attached to the sender's hub contact and conversation.
// Hub webhook events are classified by inbox and delivered through the bound
// adapter. Direct dispatch sends through an adapter without the hub and
// mirrors the result back into it.
package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/contact"
	"chatbridge/pkg/dedup"
	"chatbridge/pkg/httpx"
	"chatbridge/pkg/hub"
)

const (
	defaultTimeout        = 20 * time.Second
	defaultDedupTTL       = 10 * time.Minute
	typingRefreshInterval = 4 * time.Second
)

// Hub is the hub API surface the router uses.
type Hub interface {
	contact.Hub
	ListConversations(ctx context.Context, contactID int64) ([]hub.Conversation, error)
	CreateConversation(ctx context.Context, in hub.ConversationInput) (hub.Conversation, error)
	CreateMessage(ctx context.Context, conversationID int64, in hub.MessageInput) (hub.Message, error)
	ResolveURL(ref string) string
}

// Options tunes a Router. Zero values select defaults.
type Options struct {
	// Timeout bounds each hub or provider call.
	Timeout  time.Duration
	DedupTTL time.Duration
	Dedup    dedup.Store
	Bus      *bus.MessageBus
	// HTTPClient downloads provider-hosted attachments.
	HTTPClient *http.Client
	Log        *slog.Logger
}

type Router struct {
	registry   *channel.Registry
	classifier *Classifier
	hub        Hub
	contacts   *contact.Resolver
	markers    dedup.Store
	bus        *bus.MessageBus
	http       *http.Client
	log        *slog.Logger

	timeout       time.Duration
	dedupTTL      time.Duration
	typingRefresh time.Duration

	mirrors sync.WaitGroup
}

func New(registry *channel.Registry, h Hub, opts Options) *Router {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = defaultDedupTTL
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.NewMemory()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = httpx.NewClient(httpx.DefaultTimeout)
	}

	return &Router{
		registry:      registry,
		classifier:    NewClassifier(registry),
		hub:           h,
		contacts:      contact.NewResolver(h, opts.Log),
		markers:       opts.Dedup,
		bus:           opts.Bus,
		http:          opts.HTTPClient,
		log:           opts.Log.With("component", "router"),
		timeout:       opts.Timeout,
		dedupTTL:      opts.DedupTTL,
		typingRefresh: typingRefreshInterval,
	}
}

// Classifier exposes the inbox classifier bound to the router's registry.
func (r *Router) Classifier() *Classifier { return r.classifier }

// Wait blocks until background hub mirroring finished or ctx is done.
func (r *Router) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.mirrors.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

type requestIDKey struct{}

// WithRequestID tags ctx with a request id carried into logs and events.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (r *Router) logger(ctx context.Context) *slog.Logger {
	if id := RequestID(ctx); id != "" {
		return r.log.With("request_id", id)
	}
	return r.log
}

func (r *Router) emit(ctx context.Context, event bus.Event) {
	if r.bus == nil {
		return
	}
	if event.RequestID == "" {
		event.RequestID = RequestID(ctx)
	}
	r.bus.PublishEvent(context.WithoutCancel(ctx), event)
}

// mark records a marker, tolerating store failures.
func (r *Router) mark(ctx context.Context, key string) bool {
	added, err := r.markers.Add(ctx, key, r.dedupTTL)
	if err != nil {
		r.logger(ctx).Warn("Dedup store unavailable", "key", key, "error", err)
		return true
	}
	return added
}

func (r *Router) take(ctx context.Context, key string) bool {
	present, err := r.markers.Take(ctx, key)
	if err != nil {
		r.logger(ctx).Warn("Dedup store unavailable", "key", key, "error", err)
		return false
	}
	return present
}

// markSent records a provider message id so its echo is not mirrored back.
func (r *Router) markSent(ctx context.Context, ch channel.ID, messageID string) {
	if messageID == "" {
		return
	}
	r.mark(ctx, sentKey(ch, messageID))
}

func sentKey(ch channel.ID, messageID string) string {
	return dedup.Key("sent", string(ch), messageID)
}

func mirroredKey(messageID int64) string {
	return dedup.Key("mirrored", formatID(messageID))
}

func (r *Router) download(ctx context.Context, rawURL string) (io.ReadCloser, string, error) {
	return httpx.Download(ctx, r.http, rawURL)
}
