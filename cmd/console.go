package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/httpx"
	"chatbridge/pkg/ui/console"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/cobra"
)

const maxEventLine = 256 << 10

var consoleFlags struct {
	channel string
	typing  float64
	url     string
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Watch gateway events and send messages interactively",
	Long:  "Opens a terminal console attached to a running gateway: live delivery events from GET /events and an input line that sends through POST /dispatch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		var env dispatchEnv
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		if consoleFlags.url != "" {
			env.URL = consoleFlags.url
		}
		if env.Token == "" {
			return errors.New("DISPATCH_API_TOKEN is not set")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		streamClient := httpx.NewClient(httpx.DefaultTimeout)
		streamClient.Timeout = 0

		events, err := streamEvents(ctx, streamClient, env.URL, env.Token)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Event stream unavailable: %v\n", err)
		}

		typing := consoleFlags.typing
		timeout := time.Duration(typing*float64(time.Second)) + httpx.DefaultTimeout
		dispatchClient := httpx.NewClient(timeout)

		dispatch := func(ctx context.Context, ch, recipient, text string) (console.Delivery, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			res, err := sendDispatch(ctx, dispatchClient, env.URL, env.Token, dispatchPayload{
				Channel:       ch,
				RecipientID:   recipient,
				Text:          text,
				TypingSeconds: typing,
			})
			if err != nil {
				return console.Delivery{}, err
			}
			return console.Delivery{Channel: res["channel"], RecipientID: res["recipient_id"], MessageID: res["message_id"]}, nil
		}

		return console.Run(ctx, dispatch, events, console.Info{Gateway: env.URL, Channel: consoleFlags.channel})
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleFlags.channel, "channel", "telegram", "channel to send through (switch with /channel in the console)")
	consoleCmd.Flags().Float64Var(&consoleFlags.typing, "typing", 1, "seconds to show the typing indicator (0 disables)")
	consoleCmd.Flags().StringVar(&consoleFlags.url, "url", "", "gateway base URL (default DISPATCH_URL)")
}

// streamEvents subscribes to the gateway event stream. The channel closes
// when the stream ends or ctx is done.
func streamEvents(ctx context.Context, client *http.Client, baseURL, token string) (<-chan bus.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("events request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("events stream failed with status %d", resp.StatusCode)
	}

	events := make(chan bus.Event, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 4096), maxEventLine)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}

			var event bus.Event
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
