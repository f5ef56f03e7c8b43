// Package dedup keeps short-lived markers used to drop redelivered webhooks
// and to recognize echoes of messages the gateway sent itself.
package dedup

import (
	"context"
	"strings"
	"time"
)

// Store records keys for a bounded time.
type Store interface {
	// Add records key for ttl. It returns false when the key already exists.
	Add(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Take removes key and reports whether it was present.
	Take(ctx context.Context, key string) (bool, error)
	Close() error
}

// Key joins non-empty parts into a namespaced marker key.
func Key(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			clean = append(clean, part)
		}
	}

	return strings.Join(clean, ":")
}
