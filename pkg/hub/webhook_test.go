package hub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInboxOfLookupOrder(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int64
		ok   bool
	}{
		{"conversation inbox_id", `{"conversation":{"inbox_id":7,"inbox":{"id":8}},"inbox":{"id":9}}`, 7, true},
		{"nested conversation inbox", `{"conversation":{"inbox":{"id":"8"}},"inbox":{"id":9}}`, 8, true},
		{"top-level inbox", `{"conversation":{},"inbox":{"id":9}}`, 9, true},
		{"numeric string", `{"conversation":{"inbox_id":"12"}}`, 12, true},
		{"null falls through", `{"conversation":{"inbox_id":null},"inbox":{"id":4}}`, 4, true},
		{"garbage id falls through", `{"conversation":{"inbox_id":"abc"},"inbox":{"id":4}}`, 4, true},
		{"missing", `{"event":"message_created"}`, 0, false},
		{"malformed", `{"conversation":`, 0, false},
		{"wrong shape", `{"conversation":"x"}`, 0, false},
		{"not an object", `[]`, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := InboxOf([]byte(tc.raw))
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseWebhookEvent(t *testing.T) {
	raw := `{
	  "event": "message_created",
	  "id": 900,
	  "content": "hi",
	  "message_type": "outgoing",
	  "private": false,
	  "attachments": [{"id": 1, "file_type": "audio", "data_url": "/rails/voice.ogg"}],
	  "conversation": {
	    "id": 72,
	    "inbox_id": 3,
	    "meta": {"sender": {"id": 11, "phone_number": "+79990001122", "custom_attributes": {"telegram_user_id": 123456789012}}}
	  }
	}`

	ev, err := ParseWebhookEvent([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, EventMessageCreated, ev.Event)
	require.Equal(t, MessageType(MessageOutgoing), ev.MessageType)
	require.Equal(t, "123456789012", ev.Conversation.Meta.Sender.CustomAttributes.String("telegram_user_id"))
	require.Equal(t, "audio", ev.Attachments[0].FileType)
}

func TestMessageTypeAcceptsEnumIndex(t *testing.T) {
	ev, err := ParseWebhookEvent([]byte(`{"event":"message_created","message_type":1}`))
	require.NoError(t, err)
	require.Equal(t, MessageType(MessageOutgoing), ev.MessageType)
}

func TestWebhookAttachmentKind(t *testing.T) {
	require.Equal(t, "audio", WebhookAttachment{FileType: "audio"}.Kind())
	require.Equal(t, "audio", WebhookAttachment{FileType: "file", Extension: ".OGG"}.Kind())
	require.Equal(t, "image", WebhookAttachment{FileType: "image"}.Kind())
	require.Equal(t, "file", WebhookAttachment{FileType: "file", Extension: "pdf"}.Kind())
	require.Equal(t, "/x.ogg", WebhookAttachment{FileURL: " /x.ogg "}.URL())
}
