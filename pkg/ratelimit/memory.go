package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultMaxIdentities = 10_000

// MemoryStore is the in-process counter store. State is scoped to one running
// instance and does not survive a restart. The map is bounded: once full, the
// least recently used identity is evicted.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	order   []string // LRU order, oldest first
	max     int
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryStore creates a bounded in-memory counter store. maxIdentities <= 0
// uses the default bound.
func NewMemoryStore(maxIdentities int) *MemoryStore {
	if maxIdentities <= 0 {
		maxIdentities = defaultMaxIdentities
	}
	return &MemoryStore{
		windows: make(map[string]*window),
		max:     maxIdentities,
		now:     time.Now,
	}
}

// Incr implements Store. A single mutex guards the map; windows for distinct
// identities never contend beyond map access.
func (m *MemoryStore) Incr(_ context.Context, identity string, windowLen time.Duration) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[identity]
	if ok {
		m.touch(identity)
		if now.Before(w.resetAt) {
			w.count++
			return w.count, w.resetAt, nil
		}
		// Window elapsed; restart fresh at count 1.
		w.count = 1
		w.resetAt = now.Add(windowLen)
		return w.count, w.resetAt, nil
	}

	if len(m.windows) >= m.max {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.windows, oldest)
	}

	w = &window{count: 1, resetAt: now.Add(windowLen)}
	m.windows[identity] = w
	m.order = append(m.order, identity)
	return w.count, w.resetAt, nil
}

// touch moves identity to the end of the LRU order.
func (m *MemoryStore) touch(identity string) {
	for i, k := range m.order {
		if k == identity {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.order = append(m.order, identity)
}
