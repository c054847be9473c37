package signals

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	bySubject   map[string][]*Signal // subjectID → signals in append order
	byID        map[string]*Signal
	resolutions map[string]*Resolution
}

// NewMemoryStore creates an in-memory signal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySubject:   make(map[string][]*Signal),
		byID:        make(map[string]*Signal),
		resolutions: make(map[string]*Resolution),
	}
}

func (m *MemoryStore) Append(ctx context.Context, sig *Signal) error {
	sig.Normalize()
	c := copySignal(sig)
	c.Resolution = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySubject[c.SubjectID] = append(m.bySubject[c.SubjectID], c)
	m.byID[c.ID] = c
	return nil
}

func (m *MemoryStore) ListUnresolved(ctx context.Context, subjectID string, since time.Time) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Signal
	for _, s := range m.bySubject[subjectID] {
		if s.OccurredAt.Before(since) {
			continue
		}
		if _, resolved := m.resolutions[s.ID]; resolved {
			continue
		}
		out = append(out, copySignal(s))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (m *MemoryStore) List(ctx context.Context, subjectID string, limit int) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.bySubject[subjectID]
	out := make([]*Signal, 0, len(all))
	for _, s := range all {
		c := copySignal(s)
		if r, ok := m.resolutions[s.ID]; ok {
			rc := *r
			c.Resolution = &rc
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copySignal(s)
	if r, ok := m.resolutions[id]; ok {
		rc := *r
		c.Resolution = &rc
	}
	return c, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, res *Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[res.SignalID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.resolutions[res.SignalID]; ok {
		return ErrAlreadyResolved
	}
	r := *res
	if r.ResolvedAt.IsZero() {
		r.ResolvedAt = time.Now().UTC()
	}
	m.resolutions[res.SignalID] = &r
	return nil
}
