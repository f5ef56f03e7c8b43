package router

import (
	"chatbridge/pkg/channel"
	"chatbridge/pkg/hub"
)

// Classifier maps hub webhook payloads to the channel bound to their inbox.
type Classifier struct {
	registry *channel.Registry
}

func NewClassifier(registry *channel.Registry) *Classifier {
	return &Classifier{registry: registry}
}

// Classify returns the channel owning the payload's inbox. Payloads without a
// bound inbox, or that cannot be parsed, are rejected.
func (c *Classifier) Classify(payload []byte) (channel.ID, bool) {
	inboxID, ok := hub.InboxOf(payload)
	if !ok {
		return "", false
	}

	return c.registry.ByInbox(inboxID)
}
