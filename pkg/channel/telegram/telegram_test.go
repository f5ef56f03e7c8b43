package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/hub"
	"chatbridge/pkg/hub/hubtest"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/router"
)

type fakeSession struct {
	mu       sync.Mutex
	resolves []Peer
	texts    []string
	voices   []string
	typing   []bool
	updates  []Update
	resolve  func(Peer) (Chat, error)
}

func (s *fakeSession) Listen(ctx context.Context, out chan<- Update) error {
	s.mu.Lock()
	updates := append([]Update(nil), s.updates...)
	s.mu.Unlock()

	for _, u := range updates {
		select {
		case out <- u:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (s *fakeSession) Resolve(_ context.Context, peer Peer) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resolves = append(s.resolves, peer)
	if s.resolve != nil {
		return s.resolve(peer)
	}
	return Chat{ID: 1000, UserID: 77}, nil
}

func (s *fakeSession) SendText(_ context.Context, _ int64, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return "m1", nil
}

func (s *fakeSession) SendVoice(_ context.Context, _ int64, path string, _ channel.Attachment) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices = append(s.voices, string(data))
	return "m2", nil
}

func (s *fakeSession) SendTyping(_ context.Context, _ int64, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, on)
	return nil
}

func (s *fakeSession) Close() error { return nil }

func TestParseRecipient(t *testing.T) {
	hash := int64(5)
	tests := []struct {
		in      string
		want    Peer
		wantErr bool
	}{
		{in: "id:6149474306", want: Peer{UserID: 6149474306}},
		{in: "6149474306", want: Peer{UserID: 6149474306}},
		{in: " +79990001122 ", want: Peer{Phone: "79990001122"}},
		{in: "@ann_smith", want: Peer{Username: "ann_smith"}},
		{in: "ann_smith", want: Peer{Username: "ann_smith"}},
		{in: "@bob", want: Peer{Username: "bob"}},
		{in: "@nft1", want: Peer{Username: "nft1"}},
		{in: ""},
		{in: "id:abc"},
		{in: "id:-5"},
		{in: "+7-999"},
		{in: "@ab"},
		{in: "@1abcdef"},
		{in: "ann smith"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRecipient(channel.Recipient{ID: tt.in})
			if tt.want == (Peer{}) {
				require.ErrorIs(t, err, channel.ErrInvalidRecipient)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	got, err := ParseRecipient(channel.Recipient{ID: "id:1", AccessHash: &hash})
	require.NoError(t, err)
	require.Equal(t, &hash, got.AccessHash)
}

func TestSendTextResolvesOncePerPeer(t *testing.T) {
	session := &fakeSession{}
	adapter := NewAdapter(session, nil, logger.Discard())
	ctx := context.Background()

	res, err := adapter.SendText(ctx, channel.Recipient{ID: "@ann_smith"}, "hello")
	require.NoError(t, err)
	require.Equal(t, "m1", res.MessageID)
	require.Equal(t, "77", res.PeerID)

	_, err = adapter.SendText(ctx, channel.Recipient{ID: "ann_smith"}, "again")
	require.NoError(t, err)
	require.NoError(t, adapter.SetTyping(ctx, channel.Recipient{ID: "@ann_smith"}, true))

	require.Len(t, session.resolves, 1)
	require.Equal(t, []string{"hello", "again"}, session.texts)
	require.Equal(t, []bool{true}, session.typing)
}

func TestSendTextToShortUsername(t *testing.T) {
	session := &fakeSession{}
	adapter := NewAdapter(session, nil, logger.Discard())

	res, err := adapter.SendText(context.Background(), channel.Recipient{ID: "@bob"}, "hello")
	require.NoError(t, err)
	require.Equal(t, "m1", res.MessageID)
	require.Equal(t, []Peer{{Username: "bob"}}, session.resolves)
	require.Equal(t, []string{"hello"}, session.texts)
}

func TestDispatchToShortUsername(t *testing.T) {
	srv := hubtest.NewServer(t, 2)
	session := &fakeSession{}
	adapter := NewAdapter(session, nil, logger.Discard())

	registry, err := channel.NewRegistry([]channel.Binding{{Channel: channel.Telegram, InboxID: 2}}, []channel.Adapter{adapter})
	require.NoError(t, err)

	rt := router.New(registry, hub.NewClient(srv.Config(), srv.Client(), logger.Discard()), router.Options{Timeout: 5 * time.Second, Log: logger.Discard()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Wait(ctx)
	})

	res, err := rt.Dispatch(context.Background(), router.DispatchRequest{RecipientID: "@bob", Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, channel.Telegram, res.Channel)
	require.Equal(t, "m1", res.MessageID)

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Equal(t, []string{"hello"}, session.texts)
}

func TestSendTextPropagatesResolveFailure(t *testing.T) {
	session := &fakeSession{resolve: func(Peer) (Chat, error) {
		return Chat{}, errors.New("USERNAME_NOT_OCCUPIED")
	}}
	adapter := NewAdapter(session, nil, logger.Discard())

	_, err := adapter.SendText(context.Background(), channel.Recipient{ID: "@nobody_here"}, "hi")
	require.ErrorContains(t, err, "USERNAME_NOT_OCCUPIED")

	_, err = adapter.SendText(context.Background(), channel.Recipient{ID: "not valid!"}, "hi")
	require.ErrorIs(t, err, channel.ErrInvalidRecipient)
	require.Len(t, session.resolves, 1)
}

func TestSendMediaDownloadsVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OggS-voice"))
	}))
	defer srv.Close()

	session := &fakeSession{}
	adapter := NewAdapter(session, srv.Client(), logger.Discard())

	res, err := adapter.SendMedia(context.Background(), channel.Recipient{ID: "id:77"}, channel.Attachment{Kind: "audio", URL: srv.URL + "/voice.ogg"})
	require.NoError(t, err)
	require.Equal(t, "m2", res.MessageID)
	require.Equal(t, []string{"OggS-voice"}, session.voices)

	_, err = adapter.SendMedia(context.Background(), channel.Recipient{ID: "id:77"}, channel.Attachment{Kind: "image", URL: srv.URL + "/a.jpg"})
	require.ErrorIs(t, err, channel.ErrUnsupported)
}

func TestRunForwardsUpdates(t *testing.T) {
	hash := int64(-9)
	session := &fakeSession{updates: []Update{
		{MessageID: "1", ChatID: 77, Peer: User{ID: 77}},
		{MessageID: "2", ChatID: 77, Peer: User{ID: 77, Username: "ann_smith", FirstName: "Ann", LastName: "Smith", Phone: "79990001122", AccessHash: &hash}, Text: " hi "},
		{MessageID: "3", ChatID: 77, Outgoing: true, Peer: User{ID: 77}, Text: "from phone"},
	}}
	adapter := NewAdapter(session, nil, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []channel.InboundEvent
	done := make(chan error, 1)
	go func() {
		done <- adapter.Run(ctx, func(_ context.Context, ev channel.InboundEvent) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	first := got[0]
	require.Equal(t, channel.Incoming, first.Direction)
	require.Equal(t, "2", first.MessageID)
	require.Equal(t, "hi", first.Text)
	require.Equal(t, "77", first.Sender.ExternalID)
	require.Equal(t, "ann_smith", first.Sender.Username)
	require.Equal(t, "Ann Smith", first.Sender.DisplayName)
	require.Equal(t, &hash, first.Sender.AccessHash)
	require.Equal(t, "+79990001122", first.Sender.Attributes["telegram_phone"])

	require.Equal(t, channel.Outgoing, got[1].Direction)
}

func TestNormalize(t *testing.T) {
	adapter := NewAdapter(&fakeSession{}, nil, logger.Discard())

	events, err := adapter.Normalize([]byte(`{"message_id":"9","chat_id":5,"peer":{"id":5,"username":"bob_smith"},"text":"yo"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "bob_smith", events[0].Sender.Username)

	_, err = adapter.Normalize([]byte(`{"message_id":"9","peer":{"id":0},"text":"yo"}`))
	require.ErrorIs(t, err, channel.ErrIgnored)

	_, err = adapter.Normalize([]byte(`{`))
	require.Error(t, err)
}

func TestPreviewText(t *testing.T) {
	require.Equal(t, "hello", previewText(" hello "))

	got := previewText(strings.Repeat("a", messagePreviewLimit+20))
	require.Len(t, got, messagePreviewLimit+3)
	require.True(t, strings.HasSuffix(got, "..."))
}
