package httpx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// Retry re-issues idempotent requests on network errors, 5xx and 429.
type Retry struct {
	Attempts int
	Backoff  func(attempt int) time.Duration
}

// DefaultRetry allows three retries with quadratic backoff plus jitter.
var DefaultRetry = Retry{Attempts: 3, Backoff: QuadraticBackoff}

// NoRetry issues each request once.
var NoRetry = Retry{}

func QuadraticBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * 500 * time.Millisecond
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// Do executes the request built by build, retrying transient failures.
func (r Retry) Do(ctx context.Context, client *http.Client, build func() (*http.Request, error), log *slog.Logger) (*http.Response, error) {
	if log == nil {
		log = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= r.Attempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(0)
			if r.Backoff != nil {
				wait = r.Backoff(attempt)
			}
			log.Warn("Retrying request", "attempt", attempt+1, "backoff", wait, "error", lastErr)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			lastErr = &StatusError{Op: req.Method + " " + req.URL.Path, Status: resp.StatusCode, Body: string(body)}
			continue
		}

		return resp, nil
	}

	if r.Attempts == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("after %d retries: %w", r.Attempts, lastErr)
}
