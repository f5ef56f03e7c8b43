package cmd

import (
	"fmt"
	"strconv"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var showEnv bool

var bindingsCmd = &cobra.Command{
	Use:   "bindings",
	Short: "Show the configured channel bindings",
	Long:  "Prints which channels are enabled, their Chatwoot inbox and the webhook paths to register. Credentials are never printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		if showEnv {
			description, err := config.Describe()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), description)
			return nil
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), renderBindings(cfg))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bindingsCmd)
	bindingsCmd.Flags().BoolVar(&showEnv, "env", false, "list the supported environment variables instead")
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	disabledStyle = cellStyle.Foreground(lipgloss.Color("8"))
)

func renderBindings(cfg *config.Config) string {
	bound := make(map[channel.ID]channel.Binding)
	for _, b := range cfg.Bindings() {
		bound[b.Channel] = b
	}

	rows := make([][]string, 0, len(channel.All))
	for _, id := range channel.All {
		b, ok := bound[id]
		if !ok {
			rows = append(rows, []string{id.String(), "disabled", "-", "-", "-"})
			continue
		}

		hubWebhook := "-"
		if b.WebhookID != "" {
			hubWebhook = "/chatwoot/webhook/" + b.WebhookID
		}
		rows = append(rows, []string{id.String(), "enabled", strconv.FormatInt(b.InboxID, 10), hubWebhook, providerEndpoint(cfg, id)})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("8"))).
		Headers("CHANNEL", "STATE", "INBOX", "HUB WEBHOOK", "PROVIDER").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row >= 0 && row < len(rows) && rows[row][1] == "disabled" {
				return disabledStyle
			}
			return cellStyle
		}).
		String()
}

func providerEndpoint(cfg *config.Config, id channel.ID) string {
	switch id {
	case channel.WhatsApp:
		return "/wasender/webhook/" + cfg.WhatsApp.WebhookID
	case channel.VK:
		return "/vk/callback/" + cfg.VK.CallbackID
	case channel.Telegram:
		return cfg.TelegramMode() + " session"
	default:
		return "-"
	}
}
