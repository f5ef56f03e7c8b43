package vk

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatbridge/pkg/channel"
)

// Callback is a Callback API event envelope.
type Callback struct {
	Type    string          `json:"type"`
	GroupID int64           `json:"group_id"`
	EventID string          `json:"event_id"`
	Secret  string          `json:"secret"`
	Object  json.RawMessage `json:"object"`
}

// Message is a VK community message.
type Message struct {
	ID                    int64        `json:"id"`
	ConversationMessageID int64        `json:"conversation_message_id"`
	Date                  int64        `json:"date"`
	PeerID                int64        `json:"peer_id"`
	FromID                int64        `json:"from_id"`
	Out                   int          `json:"out"`
	Text                  string       `json:"text"`
	Attachments           []Attachment `json:"attachments"`
}

// Attachment is one VK message attachment.
type Attachment struct {
	Type  string `json:"type"`
	Photo *struct {
		Sizes []struct {
			URL    string `json:"url"`
			Width  int    `json:"width"`
			Height int    `json:"height"`
		} `json:"sizes"`
	} `json:"photo"`
	Doc *struct {
		URL   string `json:"url"`
		Title string `json:"title"`
		Ext   string `json:"ext"`
	} `json:"doc"`
	AudioMessage *struct {
		LinkOGG string `json:"link_ogg"`
		LinkMP3 string `json:"link_mp3"`
	} `json:"audio_message"`
}

// Normalize converts a message_new or message_reply callback into events.
func (a *Adapter) Normalize(raw []byte) ([]channel.InboundEvent, error) {
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("invalid callback: %w", err)
	}
	return a.normalize(cb)
}

func (a *Adapter) normalize(cb Callback) ([]channel.InboundEvent, error) {
	var direction channel.Direction
	switch cb.Type {
	case "message_new":
		direction = channel.Incoming
	case "message_reply":
		direction = channel.Outgoing
	default:
		return nil, fmt.Errorf("%w: event %q", channel.ErrIgnored, cb.Type)
	}

	msg, err := decodeMessage(cb)
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", cb.Type, err)
	}
	if msg.PeerID == 0 {
		return nil, fmt.Errorf("invalid %s payload: peer_id is missing", cb.Type)
	}
	if msg.PeerID >= 2_000_000_000 {
		return nil, fmt.Errorf("%w: group chat %d", channel.ErrIgnored, msg.PeerID)
	}

	attachments := toAttachments(msg.Attachments)
	text := strings.TrimSpace(msg.Text)
	if text == "" && len(attachments) == 0 {
		return nil, fmt.Errorf("%w: empty message", channel.ErrIgnored)
	}

	messageID := msg.ID
	if messageID == 0 {
		messageID = msg.ConversationMessageID
	}
	peer := strconv.FormatInt(msg.PeerID, 10)
	ts := time.Now().UTC()
	if msg.Date > 0 {
		ts = time.Unix(msg.Date, 0).UTC()
	}

	return []channel.InboundEvent{{
		Channel:   channel.VK,
		Direction: direction,
		MessageID: strconv.FormatInt(messageID, 10),
		Sender: channel.Sender{
			ExternalID: peer,
			Attributes: map[string]string{"vk_peer_id": peer},
		},
		Text:        text,
		Attachments: attachments,
		Timestamp:   ts,
	}}, nil
}

// decodeMessage reads object.message, falling back to the pre-5.103 layout
// where the object is the message itself.
func decodeMessage(cb Callback) (Message, error) {
	var wrapped struct {
		Message *Message `json:"message"`
	}
	if err := json.Unmarshal(cb.Object, &wrapped); err != nil {
		return Message{}, err
	}
	if wrapped.Message != nil {
		return *wrapped.Message, nil
	}

	var msg Message
	if err := json.Unmarshal(cb.Object, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func toAttachments(in []Attachment) []channel.Attachment {
	var out []channel.Attachment
	for _, att := range in {
		switch {
		case att.Type == "audio_message" && att.AudioMessage != nil:
			link := att.AudioMessage.LinkOGG
			if link == "" {
				link = att.AudioMessage.LinkMP3
			}
			out = append(out, channel.Attachment{Kind: "audio", URL: link, FileName: "voice.ogg"})
		case att.Type == "photo" && att.Photo != nil && len(att.Photo.Sizes) > 0:
			best := att.Photo.Sizes[0]
			for _, size := range att.Photo.Sizes[1:] {
				if size.Width*size.Height > best.Width*best.Height {
					best = size
				}
			}
			out = append(out, channel.Attachment{Kind: "image", URL: best.URL, FileName: "photo.jpg"})
		case att.Type == "doc" && att.Doc != nil:
			name := att.Doc.Title
			if att.Doc.Ext != "" && !strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(att.Doc.Ext)) {
				name += "." + att.Doc.Ext
			}
			out = append(out, channel.Attachment{Kind: "file", URL: att.Doc.URL, FileName: name})
		}
	}
	return out
}
