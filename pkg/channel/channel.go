package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ID names one logical messenger channel.
type ID string

const (
	WhatsApp ID = "whatsapp"
	Telegram ID = "telegram"
	VK       ID = "vk"
)

// All lists every channel the gateway knows how to bind, in display order.
var All = []ID{WhatsApp, Telegram, VK}

// ParseID maps a user-supplied channel name onto a known ID.
func ParseID(value string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range All {
		if id == known {
			return id, nil
		}
	}

	return "", fmt.Errorf("unknown channel %q", value)
}

func (id ID) String() string { return string(id) }

// ErrUnsupported is returned by adapters for capabilities their provider lacks.
var ErrUnsupported = errors.New("operation not supported by channel")

// ErrInvalidRecipient is returned when a recipient id cannot address anyone.
var ErrInvalidRecipient = errors.New("invalid recipient")

// ErrIgnored marks provider payloads that carry no message worth forwarding.
var ErrIgnored = errors.New("payload ignored")

// Direction tells the router which side of the conversation a message came from.
type Direction string

const (
	// Incoming messages were written by the external contact.
	Incoming Direction = "incoming"
	// Outgoing messages were written by the bound account outside the gateway
	// (for example from the phone app) and must be mirrored into the hub.
	Outgoing Direction = "outgoing"
)

// Sender identifies the external party of a conversation.
type Sender struct {
	ExternalID  string            `json:"external_id"`
	Username    string            `json:"username,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	AccessHash  *int64            `json:"access_hash,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Additional  map[string]string `json:"additional,omitempty"`
}

// Attachment references a media file carried by a message.
type Attachment struct {
	Kind        string `json:"kind"`
	URL         string `json:"url,omitempty"`
	Path        string `json:"path,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// IsAudio reports whether the attachment should be delivered as voice/audio.
func (a Attachment) IsAudio() bool {
	return a.Kind == "audio" || a.Kind == "voice"
}

// InboundEvent is a provider message normalized into the gateway's model.
type InboundEvent struct {
	Channel     ID           `json:"channel"`
	Direction   Direction    `json:"direction"`
	MessageID   string       `json:"message_id,omitempty"`
	Sender      Sender       `json:"sender"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Recipient addresses an outbound message.
//
// AccessHash is an optional routing hint needed by the Telegram user session to
// reach people who never wrote to the account.
type Recipient struct {
	ID         string
	AccessHash *int64
}

func (r Recipient) String() string { return r.ID }

// DeliveryResult is returned once the provider confirmed a send.
type DeliveryResult struct {
	MessageID string
	// PeerID is the provider-native id the recipient resolved to.
	PeerID      string
	DeliveredAt time.Time
}

// Handler receives normalized inbound events from an adapter.
type Handler func(context.Context, InboundEvent) error

// Adapter bridges one external messenger into the gateway.
type Adapter interface {
	ID() ID
	SendText(ctx context.Context, to Recipient, text string) (DeliveryResult, error)
	// SendMedia may return ErrUnsupported.
	SendMedia(ctx context.Context, to Recipient, media Attachment) (DeliveryResult, error)
	// SetTyping is best-effort; providers without typing support return nil.
	SetTyping(ctx context.Context, to Recipient, on bool) error
	// Normalize converts one raw provider payload into inbound events.
	Normalize(raw []byte) ([]InboundEvent, error)
	// Run feeds inbound events to handler until ctx is done.
	Run(ctx context.Context, handler Handler) error
}

// WebhookMounter is implemented by adapters whose provider pushes events over HTTP.
type WebhookMounter interface {
	Mount(mux *http.ServeMux, handler Handler)
}

// Binding is the static configuration tying a channel to its hub inbox.
type Binding struct {
	Channel   ID
	InboxID   int64
	WebhookID string
}
