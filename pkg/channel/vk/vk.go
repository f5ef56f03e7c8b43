// Package vk bridges a VK community through the Callback API.
package vk

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"
	"chatbridge/pkg/httpx"
)

const (
	maxCallbackBody = 1 << 20
	enrichTimeout   = 5 * time.Second
)

// Adapter implements channel.Adapter for a VK community.
type Adapter struct {
	cfg     config.VKConfig
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func NewAdapter(cfg config.VKConfig, httpClient *http.Client, log *slog.Logger) (*Adapter, error) {
	switch {
	case strings.TrimSpace(cfg.AccessToken) == "":
		return nil, errors.New("vk access token is required")
	case strings.TrimSpace(cfg.CallbackID) == "":
		return nil, errors.New("vk callback id is required")
	case cfg.GroupID <= 0:
		return nil, errors.New("vk group id is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "5.199"
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.vk.com/method"
	}
	if httpClient == nil {
		httpClient = httpx.NewClient(httpx.DefaultTimeout)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		http:    httpClient,
		log:     log.With("component", "channel.vk"),
	}, nil
}

func (a *Adapter) ID() channel.ID { return channel.VK }

// PeerID parses a VK peer id, accepting an optional "id:" prefix.
func PeerID(id string) (int64, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(id), "id:")
	peer, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || peer == 0 {
		return 0, fmt.Errorf("%w: %q is not a vk peer id", channel.ErrInvalidRecipient, id)
	}
	return peer, nil
}

func (a *Adapter) SendText(ctx context.Context, to channel.Recipient, text string) (channel.DeliveryResult, error) {
	peer, err := PeerID(to.ID)
	if err != nil {
		return channel.DeliveryResult{}, err
	}

	params := url.Values{
		"peer_id":   {strconv.FormatInt(peer, 10)},
		"message":   {text},
		"random_id": {strconv.FormatInt(int64(rand.Int32()), 10)},
	}
	var messageID int64
	if err := a.call(ctx, "messages.send", params, &messageID, httpx.NoRetry); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.recipientRejected() {
			return channel.DeliveryResult{}, fmt.Errorf("%w: %v", channel.ErrInvalidRecipient, err)
		}
		return channel.DeliveryResult{}, err
	}
	a.log.Info("Sent message", "peer_id", peer, "message_id", messageID)

	return channel.DeliveryResult{
		MessageID:   strconv.FormatInt(messageID, 10),
		PeerID:      strconv.FormatInt(peer, 10),
		DeliveredAt: time.Now().UTC(),
	}, nil
}

// SendMedia is unsupported: VK needs files uploaded to its own servers first.
func (a *Adapter) SendMedia(context.Context, channel.Recipient, channel.Attachment) (channel.DeliveryResult, error) {
	return channel.DeliveryResult{}, channel.ErrUnsupported
}

// SetTyping sends the typing activity. VK clears it on its own, so off is a no-op.
func (a *Adapter) SetTyping(ctx context.Context, to channel.Recipient, on bool) error {
	if !on {
		return nil
	}
	peer, err := PeerID(to.ID)
	if err != nil {
		return err
	}

	params := url.Values{
		"peer_id":  {strconv.FormatInt(peer, 10)},
		"type":     {"typing"},
		"group_id": {strconv.FormatInt(a.cfg.GroupID, 10)},
	}
	return a.call(ctx, "messages.setActivity", params, nil, httpx.NoRetry)
}

// Run has nothing to poll: VK pushes events to the mounted callback.
func (a *Adapter) Run(ctx context.Context, _ channel.Handler) error {
	<-ctx.Done()
	return nil
}

// Mount registers the Callback API route.
func (a *Adapter) Mount(mux *http.ServeMux, handler channel.Handler) {
	mux.HandleFunc("POST /vk/callback/{callback_id}", func(w http.ResponseWriter, r *http.Request) {
		a.serveCallback(w, r, handler)
	})
}

func (a *Adapter) serveCallback(w http.ResponseWriter, r *http.Request, handler channel.Handler) {
	if subtle.ConstantTimeCompare([]byte(r.PathValue("callback_id")), []byte(a.cfg.CallbackID)) != 1 {
		http.Error(w, "Invalid callback ID", http.StatusForbidden)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	a.log.Info("Callback received", "type", cb.Type, "group_id", cb.GroupID)

	if cb.Type == "confirmation" {
		if cb.GroupID != a.cfg.GroupID {
			http.Error(w, "Invalid group_id", http.StatusBadRequest)
			return
		}
		writeText(w, a.cfg.Confirmation)
		return
	}

	if subtle.ConstantTimeCompare([]byte(cb.Secret), []byte(a.cfg.Secret)) != 1 {
		http.Error(w, "Invalid secret", http.StatusForbidden)
		return
	}
	if cb.GroupID != a.cfg.GroupID {
		http.Error(w, "Invalid group_id", http.StatusBadRequest)
		return
	}

	events, err := a.normalize(cb)
	if errors.Is(err, channel.ErrIgnored) {
		a.log.Debug("Ignored callback", "type", cb.Type, "reason", err)
		writeText(w, "ok")
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		a.enrich(r.Context(), &ev)
		if err := handler(r.Context(), ev); err != nil {
			a.log.Error("Failed to accept inbound message", "message_id", ev.MessageID, "error", err)
			http.Error(w, "message not accepted", http.StatusServiceUnavailable)
			return
		}
	}

	writeText(w, "ok")
}

// enrich adds the users.get profile of an incoming sender. Failures keep the
// event as is.
func (a *Adapter) enrich(ctx context.Context, ev *channel.InboundEvent) {
	if ev.Direction != channel.Incoming {
		return
	}
	if id, err := strconv.ParseInt(ev.Sender.ExternalID, 10, 64); err != nil || id <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	profile, err := a.userProfile(ctx, ev.Sender.ExternalID)
	if err != nil {
		a.log.Warn("Profile lookup failed", "user_id", ev.Sender.ExternalID, "error", err)
		return
	}

	ev.Sender.DisplayName = profile.DisplayName()
	ev.Sender.Username = profile.ScreenName
	if ev.Sender.Additional == nil {
		ev.Sender.Additional = make(map[string]string)
	}
	if profile.BDate != "" {
		ev.Sender.Additional["bdate"] = profile.BDate
	}
	if profile.City != nil && profile.City.Title != "" {
		ev.Sender.Additional["city"] = profile.City.Title
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}
