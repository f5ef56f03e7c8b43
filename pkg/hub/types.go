package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Message types as the hub names them.
const (
	MessageIncoming = "incoming"
	MessageOutgoing = "outgoing"
	MessageActivity = "activity"
	MessageTemplate = "template"
)

// FlexInt decodes numbers, numeric strings, and null.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}

	text := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			*f = 0
			return nil
		}
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	*f = FlexInt(n)
	return nil
}

// MessageType decodes the hub message type given as a name or as its enum index.
type MessageType string

func (m *MessageType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*m = MessageType(strings.ToLower(name))
		return nil
	}

	var index int
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("message_type: %w", err)
	}
	switch index {
	case 0:
		*m = MessageIncoming
	case 1:
		*m = MessageOutgoing
	case 2:
		*m = MessageActivity
	case 3:
		*m = MessageTemplate
	default:
		*m = MessageType(strconv.Itoa(index))
	}
	return nil
}

// Attributes is a free-form attribute bag. Numbers decode as json.Number.
type Attributes map[string]any

// String renders the attribute value at key, or "" when absent or empty.
func (a Attributes) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Contact is a hub person record.
type Contact struct {
	ID                   int64          `json:"id"`
	Name                 string         `json:"name"`
	Identifier           string         `json:"identifier"`
	PhoneNumber          string         `json:"phone_number"`
	Email                string         `json:"email"`
	CustomAttributes     Attributes     `json:"custom_attributes"`
	AdditionalAttributes Attributes     `json:"additional_attributes"`
	ContactInboxes       []ContactInbox `json:"contact_inboxes"`
}

// SourceID returns the contact's source id in inboxID, if any.
func (c Contact) SourceID(inboxID int64) string {
	for _, ci := range c.ContactInboxes {
		if int64(ci.Inbox.ID) == inboxID && ci.SourceID != "" {
			return ci.SourceID
		}
	}

	return ""
}

// ContactInbox links a contact to an inbox under a source id.
type ContactInbox struct {
	SourceID string  `json:"source_id"`
	Inbox    InboxID `json:"inbox"`
}

// InboxID is the `{"id": N}` shape the hub nests everywhere.
type InboxID struct {
	ID FlexInt `json:"id"`
}

// ContactInput is the body of contact create and update calls.
type ContactInput struct {
	InboxID              int64      `json:"inbox_id,omitempty"`
	Name                 string     `json:"name,omitempty"`
	PhoneNumber          string     `json:"phone_number,omitempty"`
	Identifier           string     `json:"identifier,omitempty"`
	CustomAttributes     Attributes `json:"custom_attributes,omitempty"`
	AdditionalAttributes Attributes `json:"additional_attributes,omitempty"`
}

// Conversation is the subset of hub conversation fields the gateway reads.
type Conversation struct {
	ID           int64         `json:"id"`
	InboxID      FlexInt       `json:"inbox_id"`
	Status       string        `json:"status"`
	ContactInbox *ContactInbox `json:"contact_inbox,omitempty"`
	LastMessage  *struct {
		Conversation struct {
			ContactInbox ContactInbox `json:"contact_inbox"`
		} `json:"conversation"`
	} `json:"last_non_activity_message,omitempty"`
}

// SourceID returns the conversation's contact-inbox source id when the hub
// included it.
func (c Conversation) SourceID() string {
	if c.ContactInbox != nil && c.ContactInbox.SourceID != "" {
		return c.ContactInbox.SourceID
	}
	if c.LastMessage != nil {
		return c.LastMessage.Conversation.ContactInbox.SourceID
	}

	return ""
}

// Active reports whether new messages should land in this conversation.
func (c Conversation) Active() bool {
	return c.Status == "open" || c.Status == "pending"
}

// ConversationInput is the body of a conversation create call.
type ConversationInput struct {
	InboxID          int64      `json:"inbox_id"`
	SourceID         string     `json:"source_id"`
	ContactID        int64      `json:"contact_id,omitempty"`
	Status           string     `json:"status,omitempty"`
	CustomAttributes Attributes `json:"custom_attributes,omitempty"`
}

// Message is a created hub message.
type Message struct {
	ID          int64       `json:"id"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	SourceID    string      `json:"source_id"`
}

// Upload is one file attached to a message.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// MessageInput is the body of a message create call.
type MessageInput struct {
	Content     string
	MessageType string
	Private     bool
	// SourceID stores the provider message id on the hub message.
	SourceID    string
	Attachments []Upload
}

// Inbox is one hub inbox.
type Inbox struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ChannelType string `json:"channel_type"`
}
