package anomaly

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLocationStore is an in-memory LocationStore for demo/test use.
type MemoryLocationStore struct {
	mu     sync.Mutex
	events map[string][]*LocationEvent // subjectID → events in append order
}

func NewMemoryLocationStore() *MemoryLocationStore {
	return &MemoryLocationStore{events: make(map[string][]*LocationEvent)}
}

func (m *MemoryLocationStore) Record(ctx context.Context, ev *LocationEvent) (Neighbors, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev, next *LocationEvent
	for _, e := range m.events[ev.SubjectID] {
		if e.ObservedAt.After(ev.ObservedAt) {
			if next == nil || e.ObservedAt.Before(next.ObservedAt) {
				next = e
			}
			continue
		}
		if prev == nil || !e.ObservedAt.Before(prev.ObservedAt) {
			prev = e
		}
	}
	c := *ev
	m.events[ev.SubjectID] = append(m.events[ev.SubjectID], &c)
	return Neighbors{Prev: copyEvent(prev), Next: copyEvent(next)}, nil
}

func copyEvent(e *LocationEvent) *LocationEvent {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

func (m *MemoryLocationStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for subject, evs := range m.events {
		kept := evs[:0]
		for _, e := range evs {
			if e.ObservedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m.events, subject)
		} else {
			m.events[subject] = kept
		}
	}
	return removed, nil
}

// MemoryDeviceStore is an in-memory DeviceStore for demo/test use.
type MemoryDeviceStore struct {
	mu      sync.Mutex
	devices map[string]map[string]*Fingerprint // subjectID → hash → row
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{devices: make(map[string]map[string]*Fingerprint)}
}

func (m *MemoryDeviceStore) Touch(ctx context.Context, subjectID, hash string, at time.Time, autoTrust int) (*Fingerprint, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byHash, ok := m.devices[subjectID]
	if !ok {
		byHash = make(map[string]*Fingerprint)
		m.devices[subjectID] = byHash
	}
	fp, ok := byHash[hash]
	if !ok {
		fp = &Fingerprint{SubjectID: subjectID, Hash: hash, FirstSeen: at}
		byHash[hash] = fp
	}
	fp.UseCount++
	if at.After(fp.LastSeen) {
		fp.LastSeen = at
	}
	if fp.UseCount >= autoTrust {
		fp.Trusted = true
	}
	out := *fp
	return &out, len(byHash), nil
}

func (m *MemoryDeviceStore) CountDistinct(ctx context.Context, subjectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices[subjectID]), nil
}

func (m *MemoryDeviceStore) List(ctx context.Context, subjectID string) ([]*Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Fingerprint, 0, len(m.devices[subjectID]))
	for _, fp := range m.devices[subjectID] {
		c := *fp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (m *MemoryDeviceStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for subject, byHash := range m.devices {
		for h, fp := range byHash {
			if fp.LastSeen.Before(cutoff) {
				delete(byHash, h)
				removed++
			}
		}
		if len(byHash) == 0 {
			delete(m.devices, subject)
		}
	}
	return removed, nil
}
