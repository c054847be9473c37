package counter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 256

type entry struct {
	count     int64
	start     time.Time
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryStore is a process-local Store. Keys are spread over a fixed pool
// of shards, each guarded by its own mutex, so unrelated subjects rarely
// contend.
type MemoryStore struct {
	shards [shardCount]shard
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	return m
}

func (m *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *MemoryStore) Incr(ctx context.Context, key string, period, ttl time.Duration, now time.Time) (Window, error) {
	if ttl < period {
		ttl = period
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !now.Before(e.expiresAt) || now.Sub(e.start) >= period {
		e = &entry{count: 1, start: now, expiresAt: now.Add(ttl)}
		s.entries[key] = e
		return Window{Count: 1, Start: now}, nil
	}
	e.count++
	return Window{Count: e.count, Start: e.start}, nil
}

func (m *MemoryStore) Peek(ctx context.Context, key string) (Window, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !time.Now().Before(e.expiresAt) {
		return Window{}, false, nil
	}
	return Window{Count: e.count, Start: e.start}, true, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Sweep drops expired keys and returns how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
