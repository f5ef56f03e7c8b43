package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
	"chatbridge/pkg/channel/telegram"
	"chatbridge/pkg/channel/telegram/botapi"
	"chatbridge/pkg/channel/vk"
	"chatbridge/pkg/channel/whatsapp"
	"chatbridge/pkg/config"
	"chatbridge/pkg/dedup"
	"chatbridge/pkg/gateway"
	"chatbridge/pkg/httpx"
	"chatbridge/pkg/hub"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/router"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Run the message gateway",
	Long:    "Runs the HTTP gateway: provider webhooks, the Chatwoot webhook, direct dispatch and health endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := logger.Component(appLogger, "cmd.serve")

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		markers, err := newDedupStore(runCtx, cfg.Gateway, log)
		if err != nil {
			return err
		}
		defer markers.Close()

		httpClient := httpx.NewClient(httpx.DefaultTimeout)
		adapters, err := enabledAdapters(cfg, deps{http: httpClient, markers: markers, log: appLogger})
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}
		defer closeAdapters(adapters, log)

		registry, err := channel.NewRegistry(cfg.Bindings(), adapters)
		if err != nil {
			return fmt.Errorf("bind channels: %w", err)
		}

		hubClient := hub.NewClient(cfg.Hub, httpClient, appLogger)
		messages := bus.NewMessageBusSize(cfg.Gateway.QueueSize)
		defer messages.Close()

		rt := router.New(registry, hubClient, router.Options{
			Timeout:    cfg.Gateway.OutboundTimeout,
			DedupTTL:   cfg.Gateway.DedupTTL,
			Dedup:      markers,
			Bus:        messages,
			HTTPClient: httpClient,
			Log:        appLogger,
		})

		svc, err := gateway.NewService(cfg.Gateway, registry, rt, hubClient, messages, appLogger)
		if err != nil {
			return fmt.Errorf("initialize gateway service: %w", err)
		}

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "address", cfg.Gateway.Address(), "telegram_mode", cfg.TelegramMode())
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}

		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

type deps struct {
	http    *http.Client
	markers dedup.Store
	log     *slog.Logger
}

// newDedupStore shares markers through Redis when REDIS_URL is set.
func newDedupStore(ctx context.Context, cfg config.GatewayConfig, log *slog.Logger) (dedup.Store, error) {
	if cfg.RedisURL == "" {
		log.Info("Dedup markers kept in memory")
		return dedup.NewMemory(), nil
	}

	store, err := dedup.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect dedup store: %w", err)
	}
	log.Info("Dedup markers kept in redis")

	return store, nil
}

func enabledAdapters(cfg *config.Config, d deps) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, len(channel.All))

	if cfg.WhatsAppEnabled() {
		adapter, err := whatsapp.NewAdapter(cfg.WhatsApp, d.http, d.markers, d.log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", channel.WhatsApp, err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.TelegramEnabled() {
		session, err := openTelegramSession(cfg, d.log)
		if err != nil {
			closeAdapters(adapters, d.log)
			return nil, fmt.Errorf("configure %s channel: %w", channel.Telegram, err)
		}
		adapters = append(adapters, telegram.NewAdapter(session, d.http, d.log))
	}

	if cfg.VKEnabled() {
		adapter, err := vk.NewAdapter(cfg.VK, d.http, d.log)
		if err != nil {
			closeAdapters(adapters, d.log)
			return nil, fmt.Errorf("configure %s channel: %w", channel.VK, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func openTelegramSession(cfg *config.Config, log *slog.Logger) (telegram.Session, error) {
	if cfg.TelegramMode() == config.TelegramModeBot {
		return botapi.New(cfg.Telegram.BotToken, log)
	}

	return openUserSession(cfg.Telegram, log)
}

func closeAdapters(adapters []channel.Adapter, log *slog.Logger) {
	for _, adapter := range adapters {
		closer, ok := adapter.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			log.Warn("Failed to close channel", "channel", adapter.ID(), "error", err)
		}
	}
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.ID().String())
	}

	return strings.Join(names, ",")
}
