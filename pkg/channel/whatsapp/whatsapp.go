// Package whatsapp bridges WhatsApp through the Wasender HTTP API.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"
	"chatbridge/pkg/dedup"
	"chatbridge/pkg/httpx"
)

const (
	EventMessagesUpsert = "messages.upsert"

	signatureHeader = "X-Webhook-Signature"
	maxWebhookBody  = 1 << 20
	echoTTL         = 2 * time.Minute
)

// Adapter implements channel.Adapter for Wasender.
type Adapter struct {
	cfg     config.WhatsAppConfig
	baseURL string
	http    *http.Client
	retry   httpx.Retry
	echoes  dedup.Store
	log     *slog.Logger
}

// NewAdapter validates the Wasender configuration. echoes remembers sent
// messages so their fromMe webhooks are not mirrored back into the hub.
func NewAdapter(cfg config.WhatsAppConfig, httpClient *http.Client, echoes dedup.Store, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("wasender api key is required")
	}
	if strings.TrimSpace(cfg.WebhookID) == "" {
		return nil, errors.New("wasender webhook id is required")
	}
	if httpClient == nil {
		httpClient = httpx.NewClient(httpx.DefaultTimeout)
	}
	if echoes == nil {
		echoes = dedup.NewMemory()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		retry:   httpx.DefaultRetry,
		echoes:  echoes,
		log:     log.With("component", "channel.whatsapp"),
	}, nil
}

func (a *Adapter) ID() channel.ID { return channel.WhatsApp }

// Recipient normalizes a phone number or JID to the "+digits" form Wasender accepts.
func Recipient(id string) (string, error) {
	id = strings.TrimSpace(id)
	if user, _, found := strings.Cut(id, "@"); found {
		id = user
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, id)
	if len(digits) < 6 {
		return "", fmt.Errorf("%w: %q is not a phone number", channel.ErrInvalidRecipient, id)
	}

	return "+" + digits, nil
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		MsgID json.Number `json:"msgId"`
		JID   string      `json:"jid"`
	} `json:"data"`
}

func (a *Adapter) SendText(ctx context.Context, to channel.Recipient, text string) (channel.DeliveryResult, error) {
	phone, err := Recipient(to.ID)
	if err != nil {
		return channel.DeliveryResult{}, err
	}

	res, err := a.send(ctx, map[string]string{"to": phone, "text": text})
	if err != nil {
		return channel.DeliveryResult{}, err
	}
	a.rememberEcho(ctx, phone, text)
	a.log.Info("Sent message", "to", phone, "message_id", res.MessageID)

	return res, nil
}

// mediaFields maps attachment kinds onto Wasender send-message fields.
var mediaFields = map[string]string{
	"audio": "audioUrl",
	"voice": "audioUrl",
	"image": "imageUrl",
	"video": "videoUrl",
	"file":  "documentUrl",
}

func (a *Adapter) SendMedia(ctx context.Context, to channel.Recipient, media channel.Attachment) (channel.DeliveryResult, error) {
	phone, err := Recipient(to.ID)
	if err != nil {
		return channel.DeliveryResult{}, err
	}
	field, ok := mediaFields[media.Kind]
	if !ok || media.URL == "" {
		return channel.DeliveryResult{}, channel.ErrUnsupported
	}

	body := map[string]string{"to": phone, field: media.URL}
	if field == "documentUrl" && media.FileName != "" {
		body["fileName"] = media.FileName
	}

	res, err := a.send(ctx, body)
	if err != nil {
		return channel.DeliveryResult{}, err
	}
	a.rememberEcho(ctx, phone, "["+media.Kind+"]")
	a.log.Info("Sent media", "to", phone, "kind", media.Kind, "message_id", res.MessageID)

	return res, nil
}

func (a *Adapter) send(ctx context.Context, body map[string]string) (channel.DeliveryResult, error) {
	var out sendResponse
	if err := a.post(ctx, "/api/send-message", body, &out, httpx.NoRetry); err != nil {
		return channel.DeliveryResult{}, err
	}
	if !out.Success {
		return channel.DeliveryResult{}, fmt.Errorf("wasender send-message: %s", out.Message)
	}

	return channel.DeliveryResult{
		MessageID:   out.Data.MsgID.String(),
		PeerID:      strings.TrimPrefix(body["to"], "+"),
		DeliveredAt: time.Now().UTC(),
	}, nil
}

// SetTyping shows "composing" while on and "paused" when off.
func (a *Adapter) SetTyping(ctx context.Context, to channel.Recipient, on bool) error {
	phone, err := Recipient(to.ID)
	if err != nil {
		return err
	}
	state := "paused"
	if on {
		state = "composing"
	}

	body := map[string]string{"jid": strings.TrimPrefix(phone, "+") + "@s.whatsapp.net", "type": state}
	return a.post(ctx, "/api/send-presence-update", body, nil, httpx.NoRetry)
}

func (a *Adapter) post(ctx context.Context, path string, body any, out any, retry httpx.Retry) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode wasender request: %w", err)
	}

	resp, err := retry.Do(ctx, a.http, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, a.log)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := httpx.CheckStatus("wasender "+path, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode wasender %s: %w", path, err)
	}

	return nil
}

func echoKey(phone, content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return dedup.Key("wasender-echo", strings.TrimPrefix(phone, "+"), hex.EncodeToString(sum[:8]))
}

func (a *Adapter) rememberEcho(ctx context.Context, phone, content string) {
	if _, err := a.echoes.Add(ctx, echoKey(phone, content), echoTTL); err != nil {
		a.log.Warn("Echo marker not stored", "error", err)
	}
}

// isEcho reports whether an outgoing event repeats a message this adapter sent.
func (a *Adapter) isEcho(ctx context.Context, ev channel.InboundEvent) bool {
	content := ev.Text
	if content == "" && len(ev.Attachments) > 0 {
		content = "[" + ev.Attachments[0].Kind + "]"
	}
	echo, err := a.echoes.Take(ctx, echoKey(ev.Sender.ExternalID, content))
	if err != nil {
		a.log.Warn("Echo marker lookup failed", "error", err)
		return false
	}
	return echo
}

// Run has nothing to poll: Wasender pushes events to the mounted webhook.
func (a *Adapter) Run(ctx context.Context, _ channel.Handler) error {
	<-ctx.Done()
	return nil
}

// Mount registers the Wasender webhook route.
func (a *Adapter) Mount(mux *http.ServeMux, handler channel.Handler) {
	mux.HandleFunc("POST /wasender/webhook/{webhook_id}", func(w http.ResponseWriter, r *http.Request) {
		a.serveWebhook(w, r, handler)
	})
}

func (a *Adapter) serveWebhook(w http.ResponseWriter, r *http.Request, handler channel.Handler) {
	if !secureEqual(r.PathValue("webhook_id"), a.cfg.WebhookID) {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Invalid webhook ID"})
		return
	}
	if a.cfg.WebhookSecret != "" && !secureEqual(r.Header.Get(signatureHeader), a.cfg.WebhookSecret) {
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Invalid " + signatureHeader})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "unreadable body"})
		return
	}

	upserts, err := a.parse(raw)
	if err != nil {
		if errors.Is(err, channel.ErrIgnored) {
			a.log.Debug("Ignored webhook", "reason", err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}

	ctx := r.Context()
	for _, u := range upserts {
		ev := u.event
		if u.media != nil {
			a.resolveMedia(ctx, u, &ev)
		}
		if ev.Direction == channel.Outgoing && a.isEcho(ctx, ev) {
			a.log.Debug("Dropped echo of sent message", "message_id", ev.MessageID)
			continue
		}
		if err := handler(ctx, ev); err != nil {
			a.log.Error("Failed to accept inbound message", "message_id", ev.MessageID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "message not accepted"})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveMedia asks Wasender for a public URL of an encrypted media message.
// Failures leave the attachment without a URL.
func (a *Adapter) resolveMedia(ctx context.Context, u upsert, ev *channel.InboundEvent) {
	var out struct {
		Success   bool   `json:"success"`
		PublicURL string `json:"publicUrl"`
	}
	body := map[string]any{"data": map[string]any{"messages": u.raw}}
	if err := a.post(ctx, "/api/decrypt-media", body, &out, a.retry); err != nil || !out.Success || out.PublicURL == "" {
		a.log.Warn("Media decrypt failed", "message_id", ev.MessageID, "error", err)
		return
	}
	for i := range ev.Attachments {
		ev.Attachments[i].URL = out.PublicURL
	}
}

func secureEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// phoneFromID returns the digits of a JID-like id.
func phoneFromID(id string) string {
	user, _, _ := strings.Cut(strings.TrimSpace(id), "@")
	user, _, _ = strings.Cut(user, ":")
	return strings.TrimPrefix(user, "+")
}

func formatUnix(ts int64) time.Time {
	if ts <= 0 {
		return time.Now().UTC()
	}
	if ts > 1e12 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}
