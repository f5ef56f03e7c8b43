package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/dedup"
	"chatbridge/pkg/hub"
)

// HandleOutbound delivers an agent reply from a hub webhook payload. via is
// the channel whose webhook URL received the payload; empty accepts any
// classified channel. Events that are not public outgoing messages for via
// are rejected without touching any adapter.
func (r *Router) HandleOutbound(ctx context.Context, via channel.ID, payload []byte) error {
	ch, ok := r.classifier.Classify(payload)
	if !ok {
		return rejected("inbox is not bound to a channel")
	}
	if via != "" && ch != via {
		return rejected("inbox belongs to %s, webhook is for %s", ch, via)
	}

	ev, err := hub.ParseWebhookEvent(payload)
	if err != nil {
		return newError(KindRejected, "malformed payload", err)
	}
	switch {
	case ev.Event != hub.EventMessageCreated:
		return rejected("event %q", ev.Event)
	case ev.MessageType != hub.MessageOutgoing:
		return rejected("message type %q", ev.MessageType)
	case ev.Private:
		return rejected("private note")
	case ev.SourceID != "":
		return rejected("message mirrored from %s", ch)
	}

	if ev.ID != 0 {
		if r.take(ctx, mirroredKey(int64(ev.ID))) {
			return rejected("message mirrored from %s", ch)
		}
		if !r.mark(ctx, dedup.Key("hub", formatID(int64(ev.ID)))) {
			return rejected("redelivered hub message %d", ev.ID)
		}
	}

	adapter, ok := r.registry.Adapter(ch)
	if !ok {
		return newError(KindNotConfigured, fmt.Sprintf("channel %s has no adapter", ch), nil)
	}

	to, ok := DeriveRecipient(ch, ev.Conversation.Meta.Sender)
	if !ok {
		return newError(KindResolution, fmt.Sprintf("contact %d has no %s address", ev.Conversation.Meta.Sender.ID, ch), nil)
	}

	text := strings.TrimSpace(ev.Content)
	media := r.outboundMedia(ch, ev.Attachments)
	if text == "" && len(media) == 0 {
		return rejected("message has neither text nor deliverable attachment")
	}

	log := r.logger(ctx).With("channel", ch, "recipient", to.ID, "hub_message_id", int64(ev.ID))
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	delivered := 0
	if text != "" {
		res, err := adapter.SendText(callCtx, to, text)
		if err != nil {
			return deliveryError(ch, err)
		}
		r.markSent(ctx, ch, res.MessageID)
		delivered++
		log.Info("Outbound text delivered", "provider_message_id", res.MessageID, "content", previewText(text))
	}

	for _, att := range media {
		res, err := adapter.SendMedia(callCtx, to, att)
		if errors.Is(err, channel.ErrUnsupported) {
			log.Warn("Attachment skipped, channel cannot send media", "kind", att.Kind)
			continue
		}
		if err != nil {
			return deliveryError(ch, err)
		}
		r.markSent(ctx, ch, res.MessageID)
		delivered++
		log.Info("Outbound attachment delivered", "provider_message_id", res.MessageID, "kind", att.Kind)
	}

	if delivered == 0 {
		return rejected("nothing deliverable on %s", ch)
	}

	r.emit(ctx, bus.Event{
		Type:      bus.EventOutboundDelivered,
		Channel:   string(ch),
		Recipient: to.ID,
		Payload:   map[string]string{"hub_message_id": formatID(int64(ev.ID))},
	})

	return nil
}

// outboundMedia selects the attachments a channel receives. Telegram gets the
// first audio attachment as a voice note; other channels get every file.
func (r *Router) outboundMedia(ch channel.ID, attachments []hub.WebhookAttachment) []channel.Attachment {
	var out []channel.Attachment
	for _, att := range attachments {
		ref := att.URL()
		if ref == "" {
			continue
		}

		kind := att.Kind()
		if ch == channel.Telegram && kind != "audio" {
			continue
		}

		out = append(out, channel.Attachment{
			Kind:        kind,
			URL:         r.hub.ResolveURL(ref),
			FileName:    att.FileName,
			ContentType: att.ContentType,
		})
		if ch == channel.Telegram {
			break
		}
	}

	return out
}
