//go:build !tdlib

package cmd

import (
	"errors"
	"log/slog"

	"chatbridge/pkg/channel/telegram"
	"chatbridge/pkg/config"
)

func openUserSession(config.TelegramConfig, *slog.Logger) (telegram.Session, error) {
	return nil, errors.New("built without TDLib: set TG_BOT_TOKEN or rebuild with -tags tdlib for the Telegram user session")
}
