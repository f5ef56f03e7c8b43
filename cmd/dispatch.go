package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatbridge/pkg/httpx"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/cobra"
)

// dispatchEnv is read on its own: the client side needs none of the hub or
// channel settings the gateway validates.
type dispatchEnv struct {
	URL   string `env:"DISPATCH_URL" env-default:"http://127.0.0.1:8000"`
	Token string `env:"DISPATCH_API_TOKEN"`
}

var dispatchFlags struct {
	channel    string
	to         string
	text       string
	typing     float64
	accessHash int64
	url        string
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send a message through a running gateway",
	Long:  "Calls POST /dispatch on a running gateway with DISPATCH_API_TOKEN, showing a typing indicator before the message is sent.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		var env dispatchEnv
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		if dispatchFlags.url != "" {
			env.URL = dispatchFlags.url
		}
		if env.Token == "" {
			return errors.New("DISPATCH_API_TOKEN is not set")
		}

		req := dispatchPayload{
			Channel:       dispatchFlags.channel,
			RecipientID:   dispatchFlags.to,
			Text:          dispatchFlags.text,
			TypingSeconds: dispatchFlags.typing,
		}
		if cmd.Flags().Changed("access-hash") {
			req.AccessHash = &dispatchFlags.accessHash
		}

		timeout := time.Duration(req.TypingSeconds*float64(time.Second)) + httpx.DefaultTimeout
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := sendDispatch(ctx, httpx.NewClient(timeout), env.URL, env.Token, req)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s via %s (message %s)\n", res["recipient_id"], res["channel"], res["message_id"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	dispatchCmd.Flags().StringVar(&dispatchFlags.channel, "channel", "telegram", "channel to send through")
	dispatchCmd.Flags().StringVar(&dispatchFlags.to, "to", "", "recipient: @username, +phone, id:123 or a VK peer id")
	dispatchCmd.Flags().StringVar(&dispatchFlags.text, "text", "", "message text")
	dispatchCmd.Flags().Float64Var(&dispatchFlags.typing, "typing", 2, "seconds to show the typing indicator (0 disables)")
	dispatchCmd.Flags().Int64Var(&dispatchFlags.accessHash, "access-hash", 0, "Telegram access hash for users who never wrote to the account")
	dispatchCmd.Flags().StringVar(&dispatchFlags.url, "url", "", "gateway base URL (default DISPATCH_URL)")
	_ = dispatchCmd.MarkFlagRequired("to")
	_ = dispatchCmd.MarkFlagRequired("text")
}

type dispatchPayload struct {
	Channel       string  `json:"channel,omitempty"`
	RecipientID   string  `json:"recipient_id"`
	Text          string  `json:"text"`
	TypingSeconds float64 `json:"typing_seconds"`
	AccessHash    *int64  `json:"access_hash,omitempty"`
}

func sendDispatch(ctx context.Context, client *http.Client, baseURL, token string, payload dispatchPayload) (map[string]string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/dispatch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch request: %w", err)
	}
	defer resp.Body.Close()

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode dispatch response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dispatch failed with status %d: %s", resp.StatusCode, out["detail"])
	}

	return out, nil
}
