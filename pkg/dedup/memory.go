package dedup

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 256

// Memory is a process-local Store. Expired keys are swept lazily.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	writes  int
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) Add(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.entries[key]; ok && now.Before(expires) {
		return false, nil
	}

	m.entries[key] = now.Add(ttl)
	m.writes++
	if m.writes%sweepEvery == 0 {
		m.sweep(now)
	}

	return true, nil
}

func (m *Memory) Take(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	delete(m.entries, key)

	return m.now().Before(expires), nil
}

// Len reports how many markers are held, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Close() error { return nil }

func (m *Memory) sweep(now time.Time) {
	for key, expires := range m.entries {
		if !now.Before(expires) {
			delete(m.entries, key)
		}
	}
}
