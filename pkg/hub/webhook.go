package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Hub webhook event names.
const (
	EventMessageCreated      = "message_created"
	EventMessageUpdated      = "message_updated"
	EventConversationCreated = "conversation_created"
)

// WebhookEvent is the subset of a hub webhook payload the gateway acts on.
type WebhookEvent struct {
	Event        string              `json:"event"`
	ID           FlexInt             `json:"id"`
	Content      string              `json:"content"`
	MessageType  MessageType         `json:"message_type"`
	Private      bool                `json:"private"`
	SourceID     string              `json:"source_id"`
	Attachments  []WebhookAttachment `json:"attachments"`
	Conversation WebhookConversation `json:"conversation"`
	Inbox        *InboxID            `json:"inbox"`
}

// WebhookConversation carries the conversation and its contact.
type WebhookConversation struct {
	ID      FlexInt  `json:"id"`
	InboxID *FlexInt `json:"inbox_id"`
	Inbox   *InboxID `json:"inbox"`
	Meta    struct {
		Sender WebhookContact `json:"sender"`
	} `json:"meta"`
}

// WebhookContact is the external party of a conversation.
type WebhookContact struct {
	ID                   FlexInt    `json:"id"`
	Name                 string     `json:"name"`
	Identifier           string     `json:"identifier"`
	PhoneNumber          string     `json:"phone_number"`
	CustomAttributes     Attributes `json:"custom_attributes"`
	AdditionalAttributes Attributes `json:"additional_attributes"`
}

// WebhookAttachment is a file an agent attached to a message.
type WebhookAttachment struct {
	ID          FlexInt `json:"id"`
	FileType    string  `json:"file_type"`
	Extension   string  `json:"extension"`
	DataURL     string  `json:"data_url"`
	FileURL     string  `json:"file_url"`
	FileName    string  `json:"file_name"`
	ContentType string  `json:"content_type"`
}

var audioExtensions = map[string]struct{}{
	"ogg": {}, "oga": {}, "opus": {}, "m4a": {}, "mp3": {}, "wav": {},
}

// URL returns the attachment download reference, possibly relative.
func (a WebhookAttachment) URL() string {
	if a.DataURL != "" {
		return strings.TrimSpace(a.DataURL)
	}
	return strings.TrimSpace(a.FileURL)
}

// Kind maps the hub file type onto an attachment kind.
func (a WebhookAttachment) Kind() string {
	fileType := strings.ToLower(a.FileType)
	switch fileType {
	case "audio", "voice":
		return "audio"
	case "image", "video":
		return fileType
	}
	if _, ok := audioExtensions[strings.ToLower(strings.TrimPrefix(a.Extension, "."))]; ok {
		return "audio"
	}

	return "file"
}

// ParseWebhookEvent decodes a webhook body. Attribute numbers keep their
// exact textual form.
func ParseWebhookEvent(raw []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode hub webhook: %w", err)
	}

	return ev, nil
}

// InboxOf extracts the inbox id a webhook payload belongs to. It looks at
// conversation.inbox_id, then conversation.inbox.id, then inbox.id.
func InboxOf(raw []byte) (int64, bool) {
	var probe struct {
		Conversation *struct {
			InboxID *json.RawMessage `json:"inbox_id"`
			Inbox   *struct {
				ID *json.RawMessage `json:"id"`
			} `json:"inbox"`
		} `json:"conversation"`
		Inbox *struct {
			ID *json.RawMessage `json:"id"`
		} `json:"inbox"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, false
	}

	var candidates []*json.RawMessage
	if conv := probe.Conversation; conv != nil {
		candidates = append(candidates, conv.InboxID)
		if conv.Inbox != nil {
			candidates = append(candidates, conv.Inbox.ID)
		}
	}
	if probe.Inbox != nil {
		candidates = append(candidates, probe.Inbox.ID)
	}

	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		var id FlexInt
		if err := id.UnmarshalJSON(*candidate); err != nil || id <= 0 {
			continue
		}
		return int64(id), true
	}

	return 0, false
}
