package router

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/contact"
	"chatbridge/pkg/dedup"
	"chatbridge/pkg/httpx"
	"chatbridge/pkg/hub"
)

const maxAttachmentBytes = 32 << 20

// HandleInbound records a messenger event in the hub conversation of the
// sender's contact.
func (r *Router) HandleInbound(ctx context.Context, ev channel.InboundEvent) (err error) {
	binding, ok := r.registry.Binding(ev.Channel)
	if !ok {
		return newError(KindNotConfigured, fmt.Sprintf("channel %s is not bound", ev.Channel), nil)
	}
	log := r.logger(ctx).With("channel", ev.Channel, "message_id", ev.MessageID)

	if ev.MessageID != "" {
		if ev.Direction == channel.Outgoing && r.take(ctx, sentKey(ev.Channel, ev.MessageID)) {
			log.Debug("Suppressed echo of gateway-sent message")
			return nil
		}
		key := dedup.Key("inbound", string(ev.Channel), ev.MessageID)
		if !r.mark(ctx, key) {
			log.Debug("Dropped redelivered message")
			return nil
		}
		// A failed attempt must not block the provider's redelivery.
		defer func() {
			if err != nil {
				r.take(context.WithoutCancel(ctx), key)
			}
		}()
	}

	return r.record(ctx, binding, ev)
}

// record writes ev into the hub without redelivery or echo checks.
func (r *Router) record(ctx context.Context, binding channel.Binding, ev channel.InboundEvent) error {
	log := r.logger(ctx).With("channel", ev.Channel, "message_id", ev.MessageID)

	text := strings.TrimSpace(ev.Text)
	if text == "" && len(ev.Attachments) == 0 {
		return rejected("empty message")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ref, err := r.contacts.Resolve(callCtx, ev.Channel, binding.InboxID, contact.IdentityFromSender(ev.Channel, ev.Sender))
	if err != nil {
		return newError(KindResolution, "resolve contact "+contact.Identifier(ev.Channel, ev.Sender.ExternalID), err)
	}

	conversationID, err := r.ensureConversation(callCtx, binding.InboxID, ref)
	if err != nil {
		return newError(KindResolution, "ensure conversation", err)
	}

	uploads, missing := r.loadAttachments(callCtx, ev.Attachments)
	for _, name := range missing {
		log.Warn("Attachment unavailable", "attachment", name)
	}
	if text == "" && len(uploads) == 0 {
		text = placeholder(ev.Attachments)
	}

	messageType := hub.MessageIncoming
	if ev.Direction == channel.Outgoing {
		messageType = hub.MessageOutgoing
	}

	msg, err := r.hub.CreateMessage(callCtx, conversationID, hub.MessageInput{
		Content:     text,
		MessageType: messageType,
		SourceID:    ev.MessageID,
		Attachments: uploads,
	})
	if err != nil {
		return newError(KindDelivery, "create hub message", err)
	}
	if messageType == hub.MessageOutgoing {
		r.mark(ctx, mirroredKey(msg.ID))
	}

	log.Info("Inbound message recorded",
		"contact_id", ref.ContactID,
		"conversation_id", conversationID,
		"hub_message_id", msg.ID,
		"direction", ev.Direction,
		"attachments", len(uploads),
		"content", previewText(text),
	)
	r.emit(ctx, bus.Event{
		Type:      bus.EventInboundDelivered,
		Channel:   string(ev.Channel),
		Recipient: ev.Sender.ExternalID,
		Payload: map[string]string{
			"contact_id":      formatID(ref.ContactID),
			"conversation_id": formatID(conversationID),
			"hub_message_id":  formatID(msg.ID),
		},
	})

	return nil
}

// ensureConversation reuses an open or pending conversation of the contact in
// inboxID, or starts a new one.
func (r *Router) ensureConversation(ctx context.Context, inboxID int64, ref contact.Ref) (int64, error) {
	conversations, err := r.hub.ListConversations(ctx, ref.ContactID)
	if err != nil {
		return 0, err
	}

	for _, conv := range conversations {
		if !conv.Active() || int64(conv.InboxID) != inboxID {
			continue
		}
		if source := conv.SourceID(); source != "" && source != ref.SourceID {
			continue
		}
		return conv.ID, nil
	}

	created, err := r.hub.CreateConversation(ctx, hub.ConversationInput{
		InboxID:   inboxID,
		SourceID:  ref.SourceID,
		ContactID: ref.ContactID,
	})
	if err != nil {
		return 0, err
	}
	r.logger(ctx).Info("Conversation created", "conversation_id", created.ID, "inbox_id", inboxID)

	return created.ID, nil
}

// loadAttachments reads attachment bytes from local paths or remote URLs.
// Attachments that cannot be read are reported by name and skipped.
func (r *Router) loadAttachments(ctx context.Context, attachments []channel.Attachment) ([]hub.Upload, []string) {
	var uploads []hub.Upload
	var missing []string

	for _, att := range attachments {
		ref := att.Path
		if ref == "" {
			ref = att.URL
		}
		name := att.FileName
		if name == "" {
			name = httpx.FileName(ref, att.Kind)
		}

		data, contentType, err := r.readAttachment(ctx, att)
		if err != nil {
			r.logger(ctx).Debug("Attachment read failed", "attachment", name, "error", err)
			missing = append(missing, name)
			continue
		}
		if att.ContentType != "" {
			contentType = att.ContentType
		}
		if contentType == "" {
			contentType = httpx.ContentType(name)
		}

		uploads = append(uploads, hub.Upload{FileName: name, ContentType: contentType, Data: data})
	}

	return uploads, missing
}

func (r *Router) readAttachment(ctx context.Context, att channel.Attachment) ([]byte, string, error) {
	var body io.ReadCloser
	var contentType string

	switch {
	case att.Path != "":
		f, err := os.Open(att.Path)
		if err != nil {
			return nil, "", err
		}
		body = f
	case att.URL != "":
		var err error
		body, contentType, err = r.download(ctx, att.URL)
		if err != nil {
			return nil, "", err
		}
	default:
		return nil, "", fmt.Errorf("attachment has neither path nor url")
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxAttachmentBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxAttachmentBytes {
		return nil, "", fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}

	return data, contentType, nil
}

func placeholder(attachments []channel.Attachment) string {
	kinds := make([]string, 0, len(attachments))
	for _, att := range attachments {
		kinds = append(kinds, "["+att.Kind+"]")
	}
	return strings.Join(kinds, " ")
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

const previewLimit = 240

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= previewLimit {
		return trimmed
	}

	return trimmed[:previewLimit] + "..."
}
