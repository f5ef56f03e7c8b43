package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/dedup"
)

const (
	DefaultTypingSeconds = 2.0
	MaxTypingSeconds     = 60.0
)

// DispatchRequest asks the gateway to message a recipient directly,
// without a hub conversation triggering it.
type DispatchRequest struct {
	Channel       channel.ID
	RecipientID   string
	Text          string
	TypingSeconds float64
	AccessHash    *int64
}

// DispatchResult describes a completed direct dispatch.
type DispatchResult struct {
	Channel     channel.ID `json:"channel"`
	RecipientID string     `json:"recipient_id"`
	MessageID   string     `json:"message_id,omitempty"`
	PeerID      string     `json:"peer_id,omitempty"`
}

type dispatchBody struct {
	Channel       string          `json:"channel"`
	RecipientID   json.RawMessage `json:"recipient_id"`
	Text          string          `json:"text"`
	TypingSeconds *float64        `json:"typing_seconds"`
	AccessHash    json.RawMessage `json:"access_hash"`
}

// DecodeDispatchRequest parses a dispatch body. recipient_id and access_hash
// accept both JSON numbers and strings; channel defaults to telegram.
func DecodeDispatchRequest(r io.Reader) (DispatchRequest, error) {
	var body dispatchBody
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return DispatchRequest{}, invalid("invalid JSON body: %v", err)
	}

	req := DispatchRequest{
		Channel:       channel.Telegram,
		RecipientID:   scalarString(body.RecipientID),
		Text:          strings.TrimSpace(body.Text),
		TypingSeconds: DefaultTypingSeconds,
	}
	if body.Channel != "" {
		id, err := channel.ParseID(body.Channel)
		if err != nil {
			return DispatchRequest{}, invalid("%v", err)
		}
		req.Channel = id
	}
	if body.TypingSeconds != nil {
		req.TypingSeconds = *body.TypingSeconds
	}
	if raw := scalarString(body.AccessHash); raw != "" {
		if hash, err := strconv.ParseInt(raw, 10, 64); err == nil {
			req.AccessHash = &hash
		}
	}

	if err := req.Validate(); err != nil {
		return DispatchRequest{}, err
	}
	return req, nil
}

func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Validate checks the request independently of the configured channels.
func (req DispatchRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(req.RecipientID) == "" {
		errs = append(errs, errors.New("recipient_id is required"))
	}
	if strings.TrimSpace(req.Text) == "" {
		errs = append(errs, errors.New("text is required"))
	}
	if req.TypingSeconds < 0 || req.TypingSeconds > MaxTypingSeconds {
		errs = append(errs, fmt.Errorf("typing_seconds must be between 0 and %g", MaxTypingSeconds))
	}
	if len(errs) > 0 {
		return newError(KindInvalidRequest, errors.Join(errs...).Error(), nil)
	}
	return nil
}

// Dispatch shows a typing indicator for the requested time, sends the text
// and mirrors the sent message into the hub in the background.
func (r *Router) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	if req.Channel == "" {
		req.Channel = channel.Telegram
	}
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	req.Text = strings.TrimSpace(req.Text)
	if err := req.Validate(); err != nil {
		return DispatchResult{}, err
	}

	adapter, ok := r.registry.Adapter(req.Channel)
	if !ok {
		return DispatchResult{}, newError(KindNotConfigured, fmt.Sprintf("channel %s is not configured", req.Channel), nil)
	}
	log := r.logger(ctx).With("channel", req.Channel, "recipient", req.RecipientID)

	to := channel.Recipient{ID: req.RecipientID, AccessHash: req.AccessHash}
	if req.TypingSeconds > 0 {
		d := time.Duration(req.TypingSeconds * float64(time.Second))
		if err := r.holdTyping(ctx, adapter, to, d); err != nil {
			return DispatchResult{}, err
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := adapter.SendText(sendCtx, to, req.Text)
	if err != nil {
		return DispatchResult{}, deliveryError(req.Channel, err)
	}
	r.markSent(ctx, req.Channel, res.MessageID)

	log.Info("Direct message dispatched", "provider_message_id", res.MessageID, "peer_id", res.PeerID)
	r.emit(ctx, bus.Event{
		Type:      bus.EventDispatchDelivered,
		Channel:   string(req.Channel),
		Recipient: req.RecipientID,
		Payload:   map[string]string{"message_id": res.MessageID, "peer_id": res.PeerID},
	})

	r.mirrors.Add(1)
	go func() {
		defer r.mirrors.Done()
		r.mirrorDispatch(context.WithoutCancel(ctx), req, res)
	}()

	return DispatchResult{
		Channel:     req.Channel,
		RecipientID: req.RecipientID,
		MessageID:   res.MessageID,
		PeerID:      res.PeerID,
	}, nil
}

// holdTyping keeps the typing indicator on for d, refreshing it before the
// provider lets it expire. Typing failures never abort the dispatch.
func (r *Router) holdTyping(ctx context.Context, adapter channel.Adapter, to channel.Recipient, d time.Duration) error {
	log := r.logger(ctx).With("channel", adapter.ID(), "recipient", to.ID)
	setTyping := func(ctx context.Context, on bool) {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if err := adapter.SetTyping(callCtx, to, on); err != nil {
			log.Warn("Typing indicator failed", "on", on, "error", err)
		}
	}

	setTyping(ctx, true)

	timer := time.NewTimer(d)
	defer timer.Stop()
	refresh := time.NewTicker(r.typingRefresh)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			setTyping(context.WithoutCancel(ctx), false)
			return ctx.Err()
		case <-refresh.C:
			setTyping(ctx, true)
		case <-timer.C:
			setTyping(ctx, false)
			return nil
		}
	}
}

// mirrorDispatch records a directly dispatched message as an outgoing hub
// message in the recipient's conversation.
func (r *Router) mirrorDispatch(ctx context.Context, req DispatchRequest, res channel.DeliveryResult) {
	log := r.logger(ctx).With("channel", req.Channel, "recipient", req.RecipientID)

	binding, ok := r.registry.Binding(req.Channel)
	if !ok {
		return
	}

	sender := channel.Sender{ExternalID: res.PeerID, AccessHash: req.AccessHash}
	recipient := strings.TrimPrefix(req.RecipientID, "id:")
	if strings.HasPrefix(recipient, "@") {
		sender.Username = strings.TrimPrefix(recipient, "@")
	} else if sender.ExternalID == "" {
		sender.ExternalID = recipient
	}
	if sender.ExternalID == "" {
		log.Warn("Dispatch mirror skipped: recipient did not resolve to a peer id")
		return
	}

	if res.MessageID != "" {
		r.mark(ctx, dedup.Key("inbound", string(req.Channel), res.MessageID))
	}

	err := r.record(ctx, binding, channel.InboundEvent{
		Channel:   req.Channel,
		Direction: channel.Outgoing,
		MessageID: res.MessageID,
		Sender:    sender,
		Text:      req.Text,
		Timestamp: res.DeliveredAt,
	})
	if err != nil {
		log.Warn("Dispatch mirror failed", "error", err)
	}
}
