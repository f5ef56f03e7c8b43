package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/hub"
	"chatbridge/pkg/hub/hubtest"
	"chatbridge/pkg/logger"
)

const (
	whatsappInbox = 1
	telegramInbox = 2
	vkInbox       = 3
)

type call struct {
	Op   string
	To   channel.Recipient
	Text string
	Kind string
	On   bool
	At   time.Time
}

// fakeAdapter records every provider call.
type fakeAdapter struct {
	id channel.ID

	mu      sync.Mutex
	calls   []call
	seq     int
	sendErr error
	media   bool
	peerID  string
	noIDs   bool
}

func newFakeAdapter(id channel.ID) *fakeAdapter {
	return &fakeAdapter{id: id, media: true}
}

func (f *fakeAdapter) ID() channel.ID { return f.id }

func (f *fakeAdapter) record(c call) (channel.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c.At = time.Now()
	f.calls = append(f.calls, c)
	if f.sendErr != nil && c.Op != "typing" {
		return channel.DeliveryResult{}, f.sendErr
	}
	f.seq++
	messageID := fmt.Sprintf("%s-msg-%d", f.id, f.seq)
	if f.noIDs {
		messageID = ""
	}
	return channel.DeliveryResult{
		MessageID:   messageID,
		PeerID:      f.peerID,
		DeliveredAt: c.At,
	}, nil
}

func (f *fakeAdapter) SendText(_ context.Context, to channel.Recipient, text string) (channel.DeliveryResult, error) {
	return f.record(call{Op: "text", To: to, Text: text})
}

func (f *fakeAdapter) SendMedia(_ context.Context, to channel.Recipient, media channel.Attachment) (channel.DeliveryResult, error) {
	f.mu.Lock()
	supported := f.media
	f.mu.Unlock()
	if !supported {
		return channel.DeliveryResult{}, channel.ErrUnsupported
	}
	return f.record(call{Op: "media", To: to, Text: media.URL, Kind: media.Kind})
}

func (f *fakeAdapter) SetTyping(_ context.Context, to channel.Recipient, on bool) error {
	_, err := f.record(call{Op: "typing", To: to, On: on})
	return err
}

func (f *fakeAdapter) Normalize([]byte) ([]channel.InboundEvent, error) {
	return nil, channel.ErrIgnored
}

func (f *fakeAdapter) Run(ctx context.Context, _ channel.Handler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeAdapter) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeAdapter) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

type fixture struct {
	router   *Router
	hub      *hubtest.Server
	bus      *bus.MessageBus
	adapters map[channel.ID]*fakeAdapter
}

func newFixture(t *testing.T, channels ...channel.ID) *fixture {
	t.Helper()

	if len(channels) == 0 {
		channels = channel.All
	}
	inboxes := map[channel.ID]int64{channel.WhatsApp: whatsappInbox, channel.Telegram: telegramInbox, channel.VK: vkInbox}

	srv := hubtest.NewServer(t, whatsappInbox, telegramInbox, vkInbox)
	f := &fixture{hub: srv, bus: bus.NewMessageBus(), adapters: map[channel.ID]*fakeAdapter{}}
	t.Cleanup(f.bus.Close)

	var bindings []channel.Binding
	var adapters []channel.Adapter
	for _, id := range channels {
		a := newFakeAdapter(id)
		f.adapters[id] = a
		adapters = append(adapters, a)
		bindings = append(bindings, channel.Binding{Channel: id, InboxID: inboxes[id]})
	}

	registry, err := channel.NewRegistry(bindings, adapters)
	require.NoError(t, err)

	client := hub.NewClient(srv.Config(), srv.Client(), logger.Discard())
	f.router = New(registry, client, Options{
		Timeout: 5 * time.Second,
		Bus:     f.bus,
		Log:     logger.Discard(),
	})
	f.router.typingRefresh = 10 * time.Millisecond
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.router.Wait(ctx)
	})

	return f
}

func webhookPayload(t *testing.T, inboxID int64, mutate func(map[string]any)) []byte {
	t.Helper()

	payload := map[string]any{
		"event":        "message_created",
		"id":           501,
		"content":      "Hello from the agent",
		"message_type": "outgoing",
		"private":      false,
		"conversation": map[string]any{
			"id":       77,
			"inbox_id": inboxID,
			"meta": map[string]any{
				"sender": map[string]any{
					"id":                9,
					"phone_number":      "+79990001122",
					"custom_attributes": map[string]any{"telegram_username": "ann_smith", "vk_peer_id": "4242"},
				},
			},
		},
	}
	if mutate != nil {
		mutate(payload)
	}

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func TestClassify(t *testing.T) {
	f := newFixture(t)
	c := f.router.Classifier()

	tests := []struct {
		name    string
		payload string
		want    channel.ID
		ok      bool
	}{
		{name: "conversation inbox_id", payload: `{"conversation":{"inbox_id":2}}`, want: channel.Telegram, ok: true},
		{name: "conversation inbox object", payload: `{"conversation":{"inbox":{"id":"3"}}}`, want: channel.VK, ok: true},
		{name: "top level inbox", payload: `{"inbox":{"id":1}}`, want: channel.WhatsApp, ok: true},
		{name: "unknown inbox", payload: `{"inbox":{"id":99}}`},
		{name: "no inbox", payload: `{"event":"message_created"}`},
		{name: "malformed", payload: `{"conversation":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Classify([]byte(tt.payload))
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestHandleOutboundDeliversThroughClassifiedChannel(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.bus.SubscribeEvents(context.Background(), 4)
	defer cancel()

	err := f.router.HandleOutbound(context.Background(), channel.Telegram, webhookPayload(t, telegramInbox, nil))
	require.NoError(t, err)

	calls := f.adapters[channel.Telegram].Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "text", calls[0].Op)
	require.Equal(t, "@ann_smith", calls[0].To.ID)
	require.Equal(t, "Hello from the agent", calls[0].Text)
	require.Empty(t, f.adapters[channel.WhatsApp].Calls())
	require.Empty(t, f.adapters[channel.VK].Calls())

	select {
	case ev := <-events:
		require.Equal(t, bus.EventOutboundDelivered, ev.Type)
		require.Equal(t, "telegram", ev.Channel)
		require.Equal(t, "501", ev.Payload["hub_message_id"])
	case <-time.After(time.Second):
		t.Fatal("no delivery event")
	}
}

func TestHandleOutboundRejectsWithoutAdapterCalls(t *testing.T) {
	tests := []struct {
		name    string
		via     channel.ID
		inbox   int64
		mutate  func(map[string]any)
		wantErr string
	}{
		{name: "unbound inbox", inbox: 99, wantErr: "not bound"},
		{name: "webhook for another channel", via: channel.WhatsApp, inbox: telegramInbox, wantErr: "belongs to telegram"},
		{name: "incoming message", inbox: telegramInbox, mutate: func(p map[string]any) { p["message_type"] = "incoming" }},
		{name: "private note", inbox: telegramInbox, mutate: func(p map[string]any) { p["private"] = true }},
		{name: "other event", inbox: telegramInbox, mutate: func(p map[string]any) { p["event"] = "conversation_created" }},
		{name: "mirrored message", inbox: vkInbox, mutate: func(p map[string]any) { p["source_id"] = "vk-123" }},
		{name: "empty content", inbox: vkInbox, mutate: func(p map[string]any) { p["content"] = "  " }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			err := f.router.HandleOutbound(context.Background(), tt.via, webhookPayload(t, tt.inbox, tt.mutate))
			require.Error(t, err)
			require.Equal(t, KindRejected, KindOf(err))
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
			}
			for id, a := range f.adapters {
				require.Empty(t, a.Calls(), "adapter %s must not be called", id)
			}
		})
	}
}

func TestHandleOutboundDropsRedelivery(t *testing.T) {
	f := newFixture(t)
	payload := webhookPayload(t, vkInbox, nil)

	require.NoError(t, f.router.HandleOutbound(context.Background(), "", payload))
	err := f.router.HandleOutbound(context.Background(), "", payload)
	require.Equal(t, KindRejected, KindOf(err))
	require.Len(t, f.adapters[channel.VK].Calls(), 1)
}

func TestHandleOutboundSkipsEmptyMessageIDMarker(t *testing.T) {
	f := newFixture(t)
	f.adapters[channel.VK].noIDs = true

	require.NoError(t, f.router.HandleOutbound(context.Background(), channel.VK, webhookPayload(t, vkInbox, nil)))
	require.Len(t, f.adapters[channel.VK].Calls(), 1)

	present, err := f.router.markers.Take(context.Background(), sentKey(channel.VK, ""))
	require.NoError(t, err)
	require.False(t, present)
}

func TestHandleOutboundWithoutRecipient(t *testing.T) {
	f := newFixture(t)
	payload := webhookPayload(t, vkInbox, func(p map[string]any) {
		conv := p["conversation"].(map[string]any)
		conv["meta"] = map[string]any{"sender": map[string]any{"id": 9}}
	})

	err := f.router.HandleOutbound(context.Background(), channel.VK, payload)
	require.Equal(t, KindResolution, KindOf(err))
	require.Empty(t, f.adapters[channel.VK].Calls())
}

func TestHandleOutboundMedia(t *testing.T) {
	attachments := []map[string]any{
		{"file_type": "image", "data_url": "/rails/active_storage/photo.jpg"},
		{"file_type": "file", "extension": "ogg", "data_url": "https://cdn.example/voice.ogg"},
		{"file_type": "audio", "data_url": "https://cdn.example/second.mp3"},
	}

	t.Run("telegram gets the first audio only", func(t *testing.T) {
		f := newFixture(t)
		payload := webhookPayload(t, telegramInbox, func(p map[string]any) {
			p["content"] = ""
			p["attachments"] = attachments
		})

		require.NoError(t, f.router.HandleOutbound(context.Background(), channel.Telegram, payload))
		calls := f.adapters[channel.Telegram].Calls()
		require.Len(t, calls, 1)
		require.Equal(t, "media", calls[0].Op)
		require.Equal(t, "audio", calls[0].Kind)
		require.Equal(t, "https://cdn.example/voice.ogg", calls[0].Text)
	})

	t.Run("whatsapp gets every file with resolved urls", func(t *testing.T) {
		f := newFixture(t)
		payload := webhookPayload(t, whatsappInbox, func(p map[string]any) { p["attachments"] = attachments })

		require.NoError(t, f.router.HandleOutbound(context.Background(), channel.WhatsApp, payload))
		calls := f.adapters[channel.WhatsApp].Calls()
		require.Len(t, calls, 4)
		require.Equal(t, "text", calls[0].Op)
		require.Equal(t, "+79990001122", calls[0].To.ID)
		require.Equal(t, f.hub.URL+"/rails/active_storage/photo.jpg", calls[1].Text)
	})

	t.Run("unsupported media without text is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.adapters[channel.VK].media = false
		payload := webhookPayload(t, vkInbox, func(p map[string]any) {
			p["content"] = ""
			p["attachments"] = attachments[:1]
		})

		err := f.router.HandleOutbound(context.Background(), channel.VK, payload)
		require.Equal(t, KindRejected, KindOf(err))
	})
}

func TestHandleOutboundDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.adapters[channel.VK].failWith(errors.New("provider down"))

	err := f.router.HandleOutbound(context.Background(), channel.VK, webhookPayload(t, vkInbox, nil))
	require.Equal(t, KindDelivery, KindOf(err))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
}

func TestDeriveRecipient(t *testing.T) {
	hash := int64(-12345)
	tests := []struct {
		name    string
		ch      channel.ID
		contact hub.WebhookContact
		want    string
		hash    *int64
		ok      bool
	}{
		{name: "whatsapp phone", ch: channel.WhatsApp, contact: hub.WebhookContact{PhoneNumber: "+5511999"}, want: "+5511999", ok: true},
		{name: "whatsapp user id", ch: channel.WhatsApp, contact: hub.WebhookContact{CustomAttributes: hub.Attributes{"whatsapp_user_id": "5511999"}}, want: "5511999", ok: true},
		{name: "telegram username wins", ch: channel.Telegram, contact: hub.WebhookContact{
			PhoneNumber:      "+7999",
			CustomAttributes: hub.Attributes{"telegram_username": "@ann", "telegram_user_id": "1"},
		}, want: "@ann", ok: true},
		{name: "telegram social username", ch: channel.Telegram, contact: hub.WebhookContact{
			AdditionalAttributes: hub.Attributes{"social_telegram_user_name": "bob"},
		}, want: "@bob", ok: true},
		{name: "telegram phone", ch: channel.Telegram, contact: hub.WebhookContact{PhoneNumber: "+7999"}, want: "+7999", ok: true},
		{name: "telegram user id with hash", ch: channel.Telegram, contact: hub.WebhookContact{
			CustomAttributes: hub.Attributes{"telegram_user_id": json.Number("6149474306"), "telegram_access_hash": "-12345"},
		}, want: "id:6149474306", hash: &hash, ok: true},
		{name: "telegram social id", ch: channel.Telegram, contact: hub.WebhookContact{
			AdditionalAttributes: hub.Attributes{"social_telegram_user_id": "77"},
		}, want: "id:77", ok: true},
		{name: "vk peer", ch: channel.VK, contact: hub.WebhookContact{CustomAttributes: hub.Attributes{"vk_peer_id": "2000000001", "vk_user_id": "5"}}, want: "2000000001", ok: true},
		{name: "vk user", ch: channel.VK, contact: hub.WebhookContact{CustomAttributes: hub.Attributes{"vk_user_id": "5"}}, want: "5", ok: true},
		{name: "nothing usable", ch: channel.VK, contact: hub.WebhookContact{PhoneNumber: "+7999"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DeriveRecipient(tt.ch, tt.contact)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got.ID)
			require.Equal(t, tt.hash, got.AccessHash)
		})
	}
}

func TestHandleInboundCreatesContactConversationAndMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := channel.InboundEvent{
		Channel:   channel.VK,
		Direction: channel.Incoming,
		MessageID: "vk-1",
		Sender: channel.Sender{
			ExternalID:  "4242",
			DisplayName: "Ann Smith",
			Attributes:  map[string]string{"vk_peer_id": "4242"},
		},
		Text: "Hi there",
	}
	require.NoError(t, f.router.HandleInbound(ctx, ev))

	ev.MessageID, ev.Text = "vk-2", "Second message"
	require.NoError(t, f.router.HandleInbound(ctx, ev))

	contacts := f.hub.Contacts()
	require.Len(t, contacts, 1)
	require.Equal(t, "vk:4242", contacts[0].Identifier)
	require.Equal(t, 1, f.hub.ConversationCount(), "open conversation is reused")

	messages := f.hub.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "Hi there", messages[0].Content)
	require.Equal(t, "incoming", messages[0].MessageType)
	require.Equal(t, "vk-1", messages[0].SourceID)
	require.Equal(t, messages[0].ConversationID, messages[1].ConversationID)
}

func TestHandleInboundStartsNewConversationWhenResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := channel.InboundEvent{Channel: channel.Telegram, MessageID: "1", Sender: channel.Sender{ExternalID: "555"}, Text: "one"}

	require.NoError(t, f.router.HandleInbound(ctx, ev))
	f.hub.SetConversationStatus(f.hub.Contacts()[0].ID, "resolved")

	ev.MessageID = "2"
	require.NoError(t, f.router.HandleInbound(ctx, ev))
	require.Equal(t, 2, f.hub.ConversationCount())
}

func TestHandleInboundDropsRedeliveryUntilFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := channel.InboundEvent{Channel: channel.WhatsApp, MessageID: "wa-1", Sender: channel.Sender{ExternalID: "5511999"}, Text: "hello"}

	f.hub.FailMessages(true)
	err := f.router.HandleInbound(ctx, ev)
	require.Equal(t, KindDelivery, KindOf(err))

	f.hub.FailMessages(false)
	require.NoError(t, f.router.HandleInbound(ctx, ev), "a failed attempt must not block redelivery")
	require.NoError(t, f.router.HandleInbound(ctx, ev))
	require.Len(t, f.hub.Messages(), 1)
}

func TestHandleInboundRejects(t *testing.T) {
	f := newFixture(t, channel.Telegram)
	ctx := context.Background()

	err := f.router.HandleInbound(ctx, channel.InboundEvent{Channel: channel.VK, Sender: channel.Sender{ExternalID: "1"}, Text: "x"})
	require.Equal(t, KindNotConfigured, KindOf(err))

	err = f.router.HandleInbound(ctx, channel.InboundEvent{Channel: channel.Telegram, Sender: channel.Sender{ExternalID: "1"}, Text: "  "})
	require.Equal(t, KindRejected, KindOf(err))

	err = f.router.HandleInbound(ctx, channel.InboundEvent{Channel: channel.Telegram, Text: "no sender"})
	require.Equal(t, KindResolution, KindOf(err))
	require.Empty(t, f.hub.Messages())
}

func TestHandleInboundAttachments(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/ogg")
		_, _ = w.Write([]byte("OggS"))
	}))
	defer files.Close()

	f := newFixture(t)
	ctx := context.Background()

	err := f.router.HandleInbound(ctx, channel.InboundEvent{
		Channel:     channel.WhatsApp,
		MessageID:   "wa-voice",
		Sender:      channel.Sender{ExternalID: "5511999"},
		Attachments: []channel.Attachment{{Kind: "audio", URL: files.URL + "/voice.ogg"}},
	})
	require.NoError(t, err)

	err = f.router.HandleInbound(ctx, channel.InboundEvent{
		Channel:     channel.WhatsApp,
		MessageID:   "wa-photo",
		Sender:      channel.Sender{ExternalID: "5511999"},
		Attachments: []channel.Attachment{{Kind: "image", URL: files.URL + "/missing.jpg"}},
	})
	require.NoError(t, err)

	messages := f.hub.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, []string{"voice.ogg"}, messages[0].Files)
	require.Empty(t, messages[0].Content)
	require.Empty(t, messages[1].Files)
	require.Equal(t, "[image]", messages[1].Content)
}

func TestOutgoingInboundIsMirroredAndNotSentBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.router.HandleInbound(ctx, channel.InboundEvent{
		Channel:   channel.Telegram,
		Direction: channel.Outgoing,
		MessageID: "tg-900",
		Sender:    channel.Sender{ExternalID: "555", Username: "ann_smith"},
		Text:      "typed on the phone",
	})
	require.NoError(t, err)

	messages := f.hub.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "outgoing", messages[0].MessageType)

	// The hub echoes the mirrored message back as an outgoing webhook.
	payload := webhookPayload(t, telegramInbox, func(p map[string]any) {
		p["id"] = messages[0].ID
	})
	err = f.router.HandleOutbound(ctx, channel.Telegram, payload)
	require.Equal(t, KindRejected, KindOf(err))
	require.Empty(t, f.adapters[channel.Telegram].Calls())
}

func TestDecodeDispatchRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    DispatchRequest
		wantErr bool
	}{
		{
			name: "numeric recipient and defaults",
			body: `{"recipient_id": 6149474306, "text": " hi "}`,
			want: DispatchRequest{Channel: channel.Telegram, RecipientID: "6149474306", Text: "hi", TypingSeconds: 2},
		},
		{
			name: "string access hash",
			body: `{"recipient_id": "@ann", "text": "hi", "typing_seconds": 0, "access_hash": "-42"}`,
			want: DispatchRequest{Channel: channel.Telegram, RecipientID: "@ann", Text: "hi", AccessHash: ptr(int64(-42))},
		},
		{
			name: "garbage access hash is dropped",
			body: `{"recipient_id": "1", "text": "hi", "access_hash": "abc"}`,
			want: DispatchRequest{Channel: channel.Telegram, RecipientID: "1", Text: "hi", TypingSeconds: 2},
		},
		{
			name: "explicit channel",
			body: `{"channel": "VK", "recipient_id": "5", "text": "hi", "typing_seconds": 1.5}`,
			want: DispatchRequest{Channel: channel.VK, RecipientID: "5", Text: "hi", TypingSeconds: 1.5},
		},
		{name: "missing recipient", body: `{"text": "hi"}`, wantErr: true},
		{name: "blank text", body: `{"recipient_id": "1", "text": "  "}`, wantErr: true},
		{name: "typing too long", body: `{"recipient_id": "1", "text": "hi", "typing_seconds": 61}`, wantErr: true},
		{name: "negative typing", body: `{"recipient_id": "1", "text": "hi", "typing_seconds": -1}`, wantErr: true},
		{name: "unknown channel", body: `{"channel": "icq", "recipient_id": "1", "text": "hi"}`, wantErr: true},
		{name: "not json", body: `recipient=1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDispatchRequest(strings.NewReader(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, KindInvalidRequest, KindOf(err))
				require.Equal(t, http.StatusBadRequest, HTTPStatus(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestDispatchWithoutTyping(t *testing.T) {
	f := newFixture(t)

	res, err := f.router.Dispatch(context.Background(), DispatchRequest{
		Channel:     channel.Telegram,
		RecipientID: "@ann_smith",
		Text:        "Hello",
	})
	require.NoError(t, err)
	require.Equal(t, "telegram-msg-1", res.MessageID)

	calls := f.adapters[channel.Telegram].Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "text", calls[0].Op)
}

func TestDispatchHoldsTypingBeforeSending(t *testing.T) {
	f := newFixture(t)
	hash := int64(99)

	start := time.Now()
	_, err := f.router.Dispatch(context.Background(), DispatchRequest{
		Channel:       channel.Telegram,
		RecipientID:   "id:6149474306",
		Text:          "Hello",
		TypingSeconds: 0.05,
		AccessHash:    &hash,
	})
	require.NoError(t, err)

	calls := f.adapters[channel.Telegram].Calls()
	require.GreaterOrEqual(t, len(calls), 3)

	first, last := calls[0], calls[len(calls)-1]
	require.Equal(t, "typing", first.Op)
	require.True(t, first.On)
	require.Equal(t, &hash, first.To.AccessHash)

	require.Equal(t, "text", last.Op)
	require.GreaterOrEqual(t, last.At.Sub(start), 50*time.Millisecond)

	stop := calls[len(calls)-2]
	require.Equal(t, "typing", stop.Op)
	require.False(t, stop.On)
}

func TestDispatchTypingFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	a := &typingFailAdapter{fakeAdapter: newFakeAdapter(channel.VK)}
	registry, err := channel.NewRegistry([]channel.Binding{{Channel: channel.VK, InboxID: vkInbox}}, []channel.Adapter{a})
	require.NoError(t, err)
	f.router.registry = registry

	_, err = f.router.Dispatch(context.Background(), DispatchRequest{Channel: channel.VK, RecipientID: "5", Text: "hi", TypingSeconds: 0.01})
	require.NoError(t, err)
	require.Len(t, a.Calls(), 1)
}

type typingFailAdapter struct {
	*fakeAdapter
}

func (a *typingFailAdapter) SetTyping(context.Context, channel.Recipient, bool) error {
	return errors.New("typing unavailable")
}

func TestDispatchCanceledDuringTyping(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.router.Dispatch(ctx, DispatchRequest{Channel: channel.Telegram, RecipientID: "1", Text: "hi", TypingSeconds: 5})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	calls := f.adapters[channel.Telegram].Calls()
	last := calls[len(calls)-1]
	require.Equal(t, "typing", last.Op)
	require.False(t, last.On, "typing is switched off after cancellation")
}

func TestDispatchErrors(t *testing.T) {
	t.Run("channel not configured", func(t *testing.T) {
		f := newFixture(t, channel.VK)
		_, err := f.router.Dispatch(context.Background(), DispatchRequest{Channel: channel.Telegram, RecipientID: "1", Text: "hi"})
		require.Equal(t, KindNotConfigured, KindOf(err))
		require.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	})

	t.Run("invalid recipient", func(t *testing.T) {
		f := newFixture(t)
		f.adapters[channel.Telegram].failWith(fmt.Errorf("%w: bad username", channel.ErrInvalidRecipient))
		_, err := f.router.Dispatch(context.Background(), DispatchRequest{Channel: channel.Telegram, RecipientID: "@x", Text: "hi"})
		require.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	})

	t.Run("provider failure", func(t *testing.T) {
		f := newFixture(t)
		f.adapters[channel.Telegram].failWith(errors.New("session revoked"))
		_, err := f.router.Dispatch(context.Background(), DispatchRequest{Channel: channel.Telegram, RecipientID: "1", Text: "hi"})
		require.Equal(t, KindDelivery, KindOf(err))
		require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
		require.ErrorContains(t, err, "session revoked")
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.router.Dispatch(context.Background(), DispatchRequest{Channel: channel.Telegram, Text: "hi"})
		require.Equal(t, KindInvalidRequest, KindOf(err))
		require.Empty(t, f.adapters[channel.Telegram].Calls())
	})
}

func TestDispatchMirrorsIntoHub(t *testing.T) {
	f := newFixture(t)
	f.adapters[channel.Telegram].peerID = "6149474306"
	ctx := context.Background()

	res, err := f.router.Dispatch(ctx, DispatchRequest{Channel: channel.Telegram, RecipientID: "@ann_smith", Text: "Reminder"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f.router.Wait(waitCtx)

	contacts := f.hub.Contacts()
	require.Len(t, contacts, 1)
	require.Equal(t, "telegram:6149474306", contacts[0].Identifier)
	require.Equal(t, "ann_smith", contacts[0].CustomAttributes.String("telegram_username"))

	messages := f.hub.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "outgoing", messages[0].MessageType)
	require.Equal(t, "Reminder", messages[0].Content)
	require.Equal(t, res.MessageID, messages[0].SourceID)

	// Provider echo of the dispatched message is not recorded twice.
	err = f.router.HandleInbound(ctx, channel.InboundEvent{
		Channel:   channel.Telegram,
		Direction: channel.Outgoing,
		MessageID: res.MessageID,
		Sender:    channel.Sender{ExternalID: "6149474306"},
		Text:      "Reminder",
	})
	require.NoError(t, err)
	require.Len(t, f.hub.Messages(), 1)

	// Neither is the hub's webhook for the mirrored message.
	payload := webhookPayload(t, telegramInbox, func(p map[string]any) {
		p["id"] = messages[0].ID
		p["source_id"] = ""
	})
	err = f.router.HandleOutbound(ctx, channel.Telegram, payload)
	require.Equal(t, KindRejected, KindOf(err))
	require.Len(t, f.adapters[channel.Telegram].Calls(), 1)
}

func TestRequestIDFlowsIntoEvents(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.bus.SubscribeEvents(context.Background(), 4)
	defer cancel()

	ctx := WithRequestID(context.Background(), "req-1")
	require.Equal(t, "req-1", RequestID(ctx))

	_, err := f.router.Dispatch(ctx, DispatchRequest{Channel: channel.VK, RecipientID: "5", Text: "hi"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, bus.EventDispatchDelivered, ev.Type)
		require.Equal(t, "req-1", ev.RequestID)
	case <-time.After(time.Second):
		t.Fatal("no dispatch event")
	}
}
