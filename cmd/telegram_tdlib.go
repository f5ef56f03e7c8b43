//go:build tdlib

package cmd

import (
	"fmt"
	"log/slog"

	"chatbridge/pkg/channel/telegram"
	"chatbridge/pkg/channel/telegram/tdlib"
	"chatbridge/pkg/config"
	"chatbridge/pkg/logger"

	"github.com/spf13/cobra"
)

var telegramLoginCmd = &cobra.Command{
	Use:   "telegram-login",
	Short: "Authorize the Telegram user session",
	Long:  "Opens the TDLib session in TG_SESSION_DIR and asks for the phone number, login code and 2FA password on the terminal.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
			return fmt.Errorf("TG_API_ID and TG_API_HASH are required")
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		session, err := tdlib.Open(cfg.Telegram, tdlib.ModeLogin, appLogger)
		if err != nil {
			return err
		}
		defer session.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "Telegram session authorized for user %d, stored in %s\n", session.SelfID(), cfg.Telegram.SessionDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(telegramLoginCmd)
}

func openUserSession(cfg config.TelegramConfig, log *slog.Logger) (telegram.Session, error) {
	return tdlib.Open(cfg, tdlib.ModeRuntime, log)
}
