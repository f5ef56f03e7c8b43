package router

import (
	"strconv"
	"strings"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/contact"
	"chatbridge/pkg/hub"
)

// DeriveRecipient picks the address to deliver to from the conversation's
// contact. The second result is false when the contact carries none.
func DeriveRecipient(ch channel.ID, c hub.WebhookContact) (channel.Recipient, bool) {
	custom, additional := c.CustomAttributes, c.AdditionalAttributes

	var id string
	switch ch {
	case channel.WhatsApp:
		id = firstNonEmpty(
			strings.TrimSpace(c.PhoneNumber),
			custom.String(contact.UserIDAttribute(channel.WhatsApp)),
		)
	case channel.Telegram:
		id = firstNonEmpty(
			withAt(custom.String("telegram_username")),
			withAt(additional.String("social_telegram_user_name")),
			strings.TrimSpace(c.PhoneNumber),
			withIDPrefix(custom.String(contact.UserIDAttribute(channel.Telegram))),
			withIDPrefix(additional.String("social_telegram_user_id")),
		)
	case channel.VK:
		id = firstNonEmpty(
			custom.String("vk_peer_id"),
			custom.String(contact.UserIDAttribute(channel.VK)),
		)
	}
	if id == "" {
		return channel.Recipient{}, false
	}

	to := channel.Recipient{ID: id}
	if hash, err := strconv.ParseInt(custom.String(string(ch)+"_access_hash"), 10, 64); err == nil {
		to.AccessHash = &hash
	}

	return to, true
}

func withAt(username string) string {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return ""
	}
	return "@" + username
}

func withIDPrefix(id string) string {
	if id == "" {
		return ""
	}
	return "id:" + id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
