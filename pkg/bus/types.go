package bus

import "chatbridge/pkg/channel"

// InboundMessage carries a normalized messenger event towards the hub.
type InboundMessage struct {
	RequestID string               `json:"request_id"`
	Event     channel.InboundEvent `json:"event"`
}

// HubMessage carries a raw hub webhook payload towards a messenger.
//
// Via is the channel whose webhook URL received the payload.
type HubMessage struct {
	RequestID string     `json:"request_id"`
	Via       channel.ID `json:"via"`
	Payload   []byte     `json:"payload"`
}
