package whatsapp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatbridge/pkg/channel"
)

// WebhookPayload is the Wasender webhook envelope.
type WebhookPayload struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Data      struct {
		Messages json.RawMessage `json:"messages"`
	} `json:"data"`
}

// Message is one entry of data.messages in a messages.upsert event.
type Message struct {
	Key struct {
		ID              string `json:"id"`
		FromMe          *bool  `json:"fromMe"`
		RemoteJID       string `json:"remoteJid"`
		SenderPN        string `json:"senderPn"`
		CleanedSenderPN string `json:"cleanedSenderPn"`
	} `json:"key"`
	PushName         string          `json:"pushName"`
	MessageTimestamp int64           `json:"messageTimestamp"`
	MessageBody      string          `json:"messageBody"`
	Message          *MessageContent `json:"message"`
}

// MessageContent holds the WhatsApp message variants the gateway understands.
type MessageContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *Media `json:"imageMessage"`
	VideoMessage    *Media `json:"videoMessage"`
	AudioMessage    *Media `json:"audioMessage"`
	DocumentMessage *Media `json:"documentMessage"`
	StickerMessage  *Media `json:"stickerMessage"`
}

// Media is an encrypted WhatsApp media reference.
type Media struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
	PTT      bool   `json:"ptt"`
}

type upsert struct {
	event channel.InboundEvent
	raw   json.RawMessage
	media *Media
}

// Normalize converts a messages.upsert payload into inbound events. Media URLs
// are left as delivered by WhatsApp; the webhook handler decrypts them.
func (a *Adapter) Normalize(raw []byte) ([]channel.InboundEvent, error) {
	upserts, err := a.parse(raw)
	if err != nil {
		return nil, err
	}

	events := make([]channel.InboundEvent, 0, len(upserts))
	for _, u := range upserts {
		events = append(events, u.event)
	}
	return events, nil
}

func (a *Adapter) parse(raw []byte) ([]upsert, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if payload.Event != EventMessagesUpsert {
		return nil, fmt.Errorf("%w: event %q", channel.ErrIgnored, payload.Event)
	}

	entries, err := splitMessages(payload.Data.Messages)
	if err != nil {
		return nil, err
	}

	var out []upsert
	for _, entry := range entries {
		var msg Message
		if err := json.Unmarshal(entry, &msg); err != nil {
			return nil, fmt.Errorf("invalid upsert format: %w", err)
		}
		if msg.Key.FromMe == nil || msg.Key.RemoteJID == "" {
			return nil, errors.New("invalid upsert format: key.fromMe and key.remoteJid are required")
		}

		u, ok := toUpsert(msg, entry, payload.Timestamp)
		if !ok {
			a.log.Debug("Skipping message", "message_id", msg.Key.ID, "remote_jid", msg.Key.RemoteJID)
			continue
		}
		out = append(out, u)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no private messages", channel.ErrIgnored)
	}
	return out, nil
}

func splitMessages(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return nil, errors.New("invalid upsert format: data.messages is missing")
	case raw[0] == '[':
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("invalid upsert format: %w", err)
		}
		return list, nil
	default:
		return []json.RawMessage{raw}, nil
	}
}

func toUpsert(msg Message, raw json.RawMessage, fallbackTS int64) (upsert, bool) {
	jid := msg.Key.RemoteJID
	if strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@broadcast") || strings.HasSuffix(jid, "@newsletter") {
		return upsert{}, false
	}

	fromMe := *msg.Key.FromMe
	phone := phoneFromID(jid)
	if !fromMe {
		for _, candidate := range []string{msg.Key.CleanedSenderPN, msg.Key.SenderPN} {
			if candidate != "" {
				phone = phoneFromID(candidate)
				break
			}
		}
	}
	if phone == "" {
		return upsert{}, false
	}

	text, media, kind := content(msg)
	if text == "" && media == nil {
		return upsert{}, false
	}

	ev := channel.InboundEvent{
		Channel:   channel.WhatsApp,
		Direction: channel.Incoming,
		MessageID: msg.Key.ID,
		Sender: channel.Sender{
			ExternalID: phone,
			Phone:      "+" + phone,
			Attributes: map[string]string{"whatsapp_jid": jid},
		},
		Text: text,
	}
	if fromMe {
		ev.Direction = channel.Outgoing
	} else {
		ev.Sender.DisplayName = strings.TrimSpace(msg.PushName)
	}

	ts := msg.MessageTimestamp
	if ts == 0 {
		ts = fallbackTS
	}
	ev.Timestamp = formatUnix(ts)

	u := upsert{event: ev, raw: raw}
	if media != nil {
		u.media = media
		u.event.Attachments = []channel.Attachment{{
			Kind:        kind,
			URL:         media.URL,
			FileName:    media.FileName,
			ContentType: media.Mimetype,
		}}
	}
	return u, true
}

func content(msg Message) (string, *Media, string) {
	text := strings.TrimSpace(msg.MessageBody)
	c := msg.Message
	if c == nil {
		return text, nil, ""
	}

	if text == "" {
		text = strings.TrimSpace(c.Conversation)
	}
	if text == "" && c.ExtendedTextMessage != nil {
		text = strings.TrimSpace(c.ExtendedTextMessage.Text)
	}

	var media *Media
	var kind string
	switch {
	case c.AudioMessage != nil:
		media, kind = c.AudioMessage, "audio"
	case c.ImageMessage != nil:
		media, kind = c.ImageMessage, "image"
	case c.VideoMessage != nil:
		media, kind = c.VideoMessage, "video"
	case c.DocumentMessage != nil:
		media, kind = c.DocumentMessage, "file"
	case c.StickerMessage != nil:
		media, kind = c.StickerMessage, "image"
	}
	if media != nil && text == "" {
		text = strings.TrimSpace(media.Caption)
	}

	return text, media, kind
}
