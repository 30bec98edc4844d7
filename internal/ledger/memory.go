package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type eventIdentity struct {
	keyID      int64
	finishedAt int64
}

// MemoryStore is a process-local Store. It is the default for tests and
// for hosts that do not need history to survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	keys     map[string]int64
	names    map[int64]string
	statuses map[Status]string
	events   []Event
	index    map[eventIdentity]struct{}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:     make(map[string]int64),
		names:    make(map[int64]string),
		statuses: make(map[Status]string),
		index:    make(map[eventIdentity]struct{}),
	}
}

func (m *MemoryStore) EnsureStatuses(_ context.Context, statuses []Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range statuses {
		if _, ok := m.statuses[s]; !ok {
			m.statuses[s] = s.String()
		}
	}
	return nil
}

func (m *MemoryStore) EnsureKeys(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if _, ok := m.keys[key]; ok {
			continue
		}
		m.nextID++
		m.keys[key] = m.nextID
		m.names[m.nextID] = key
	}
	return nil
}

func (m *MemoryStore) LoadKeyIDs(_ context.Context, keys []string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64)
	if keys == nil {
		for key, id := range m.keys {
			out[key] = id
		}
		return out, nil
	}
	for _, key := range keys {
		if id, ok := m.keys[key]; ok {
			out[key] = id
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[ev.KeyID]; !ok {
		return fmt.Errorf("%w: row %d", ErrUnknownKey, ev.KeyID)
	}
	if _, ok := m.statuses[ev.Status]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, uint8(ev.Status))
	}
	id := eventIdentity{keyID: ev.KeyID, finishedAt: Micros(ev.FinishedAt)}
	if _, dup := m.index[id]; dup {
		return ErrDuplicateEvent
	}
	m.index[id] = struct{}{}
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) CountEvents(_ context.Context, q Query) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, ev := range m.events {
		if m.matches(ev, q) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountEventsByKey(_ context.Context, q Query) ([]KeyCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey := make(map[string]int64)
	for _, ev := range m.events {
		if m.matches(ev, Query{Since: q.Since, Until: q.Until}) {
			byKey[m.names[ev.KeyID]]++
		}
	}
	out := make([]KeyCount, 0, len(byKey))
	for key, n := range byKey {
		out = append(out, KeyCount{Key: key, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) matches(ev Event, q Query) bool {
	since, until, bounded := q.Bounds()
	at := Micros(ev.FinishedAt)
	if at < since || (bounded && at >= until) {
		return false
	}
	if q.KeyID != 0 && ev.KeyID != q.KeyID {
		return false
	}
	if q.Status != 0 && ev.Status != q.Status {
		return false
	}
	return true
}
