package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubAdapter struct{ id ID }

func (s stubAdapter) ID() ID { return s.id }
func (s stubAdapter) SendText(context.Context, Recipient, string) (DeliveryResult, error) {
	return DeliveryResult{}, nil
}
func (s stubAdapter) SendMedia(context.Context, Recipient, Attachment) (DeliveryResult, error) {
	return DeliveryResult{}, ErrUnsupported
}
func (s stubAdapter) SetTyping(context.Context, Recipient, bool) error { return nil }
func (s stubAdapter) Normalize([]byte) ([]InboundEvent, error)        { return nil, ErrIgnored }
func (s stubAdapter) Run(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}

func TestNewRegistry(t *testing.T) {
	registry, err := NewRegistry(
		[]Binding{
			{Channel: VK, InboxID: 3, WebhookID: "vk-hook"},
			{Channel: WhatsApp, InboxID: 1, WebhookID: "wa-hook"},
		},
		[]Adapter{stubAdapter{VK}, stubAdapter{WhatsApp}},
	)
	require.NoError(t, err)

	require.Equal(t, []ID{WhatsApp, VK}, registry.IDs())
	require.Len(t, registry.Adapters(), 2)
	require.Equal(t, WhatsApp, registry.Adapters()[0].ID())

	id, ok := registry.ByInbox(3)
	require.True(t, ok)
	require.Equal(t, VK, id)
	_, ok = registry.ByInbox(2)
	require.False(t, ok)

	id, ok = registry.ByWebhook("wa-hook")
	require.True(t, ok)
	require.Equal(t, WhatsApp, id)
	_, ok = registry.ByWebhook("")
	require.False(t, ok)

	_, ok = registry.Adapter(Telegram)
	require.False(t, ok)
	binding, ok := registry.Binding(VK)
	require.True(t, ok)
	require.EqualValues(t, 3, binding.InboxID)
}

func TestNewRegistryRejectsInvalidBindings(t *testing.T) {
	tests := []struct {
		name     string
		bindings []Binding
		adapters []Adapter
		wantErr  string
	}{
		{
			name:     "shared inbox",
			bindings: []Binding{{Channel: WhatsApp, InboxID: 1}, {Channel: VK, InboxID: 1}},
			adapters: []Adapter{stubAdapter{WhatsApp}, stubAdapter{VK}},
			wantErr:  "share inbox 1",
		},
		{
			name:     "zero inbox",
			bindings: []Binding{{Channel: VK}},
			adapters: []Adapter{stubAdapter{VK}},
			wantErr:  "must be positive",
		},
		{
			name:     "binding without adapter",
			bindings: []Binding{{Channel: VK, InboxID: 3}},
			wantErr:  "no adapter",
		},
		{
			name:     "adapter without binding",
			bindings: []Binding{{Channel: VK, InboxID: 3}},
			adapters: []Adapter{stubAdapter{VK}, stubAdapter{Telegram}},
			wantErr:  "no binding",
		},
		{
			name:     "duplicate binding",
			bindings: []Binding{{Channel: VK, InboxID: 3}, {Channel: VK, InboxID: 4}},
			adapters: []Adapter{stubAdapter{VK}},
			wantErr:  "duplicate binding",
		},
		{
			name:     "duplicate adapter",
			bindings: []Binding{{Channel: VK, InboxID: 3}},
			adapters: []Adapter{stubAdapter{VK}, stubAdapter{VK}},
			wantErr:  "duplicate adapter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.bindings, tt.adapters)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseID(t *testing.T) {
	id, err := ParseID(" Telegram ")
	require.NoError(t, err)
	require.Equal(t, Telegram, id)

	_, err = ParseID("icq")
	require.Error(t, err)
}
