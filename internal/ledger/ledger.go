// Package ledger keeps the append-only history of call outcomes per API key
// and answers windowed count queries over it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxStampAttempts = 3

// Filter narrows a windowed count. Empty Key or zero Status means "any".
type Filter struct {
	Key    string
	Status Status
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock used to stamp events and compute windows.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger records events through a Store and caches key row ids.
type Ledger struct {
	store Store
	now   func() time.Time

	mu  sync.RWMutex
	ids map[string]int64

	clockMu sync.Mutex
	last    map[int64]time.Time
}

// New builds a ledger over store and registers the status vocabulary.
func New(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is nil")
	}
	l := &Ledger{
		store: store,
		now:   time.Now,
		ids:   make(map[string]int64),
		last:  make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.RegisterStatuses(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// RegisterStatuses makes sure the fixed status rows exist.
func (l *Ledger) RegisterStatuses(ctx context.Context) error {
	if err := l.store.EnsureStatuses(ctx, Statuses()); err != nil {
		return fmt.Errorf("register statuses: %w", err)
	}
	return nil
}

// RegisterKeys inserts a row for every id not yet stored and refreshes the
// id cache. Repeated or overlapping calls never create duplicates.
func (l *Ledger) RegisterKeys(ctx context.Context, ids ...string) error {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("register keys: empty key id")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil
	}

	if err := l.store.EnsureKeys(ctx, unique); err != nil {
		return fmt.Errorf("register keys: %w", err)
	}

	l.mu.RLock()
	missing := make([]string, 0, len(unique))
	for _, id := range unique {
		if _, ok := l.ids[id]; !ok {
			missing = append(missing, id)
		}
	}
	l.mu.RUnlock()
	if len(missing) == 0 {
		return nil
	}

	rows, err := l.store.LoadKeyIDs(ctx, missing)
	if err != nil {
		return fmt.Errorf("load key ids: %w", err)
	}

	l.mu.Lock()
	for key, rowID := range rows {
		if _, ok := l.ids[key]; !ok {
			l.ids[key] = rowID
		}
	}
	l.mu.Unlock()

	log.WithField("keys", len(rows)).Debug("ledger keys registered")
	return nil
}

// KeyID returns the cached row id of a registered key.
func (l *Ledger) KeyID(id string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rowID, ok := l.ids[id]
	return rowID, ok
}

// RecordEvent appends one event for id stamped with the current time.
func (l *Ledger) RecordEvent(ctx context.Context, id string, status Status) (Event, error) {
	if !status.Valid() {
		return Event{}, fmt.Errorf("%w: %d", ErrInvalidStatus, uint8(status))
	}
	rowID, ok := l.KeyID(id)
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}

	var lastErr error
	for attempt := 0; attempt < maxStampAttempts; attempt++ {
		ev := Event{
			KeyID:      rowID,
			Key:        id,
			Status:     status,
			FinishedAt: l.stamp(rowID),
		}
		err := l.store.AppendEvent(ctx, ev)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, ErrDuplicateEvent) {
			return Event{}, fmt.Errorf("record event for %s: %w", id, err)
		}
		lastErr = err
	}
	return Event{}, fmt.Errorf("record event for %s: %w", id, lastErr)
}

// CountInWindow counts events finished within [now-window, now).
func (l *Ledger) CountInWindow(ctx context.Context, window time.Duration, f Filter) (int64, error) {
	since, until := l.bounds(window)
	q := Query{Since: since, Until: until}
	if f.Status != 0 {
		if !f.Status.Valid() {
			return 0, fmt.Errorf("%w: %d", ErrInvalidStatus, uint8(f.Status))
		}
		q.Status = f.Status
	}
	if f.Key != "" {
		rowID, ok := l.KeyID(f.Key)
		if !ok {
			return 0, nil
		}
		q.KeyID = rowID
	}
	n, err := l.store.CountEvents(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CountByKeyInWindow returns per-key event counts within [now-window, now),
// ordered by key. Keys without events in the window are omitted.
func (l *Ledger) CountByKeyInWindow(ctx context.Context, window time.Duration) ([]KeyCount, error) {
	since, until := l.bounds(window)
	counts, err := l.store.CountEventsByKey(ctx, Query{Since: since, Until: until})
	if err != nil {
		return nil, fmt.Errorf("count events by key: %w", err)
	}
	return counts, nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) bounds(window time.Duration) (since, until time.Time) {
	if window < 0 {
		window = 0
	}
	now := l.now().Truncate(time.Microsecond)
	return now.Add(-window), now
}

// stamp returns a microsecond timestamp strictly later than the previous
// stamp of the same key. Only events of one key can share an identity,
// so bursts across different keys never push stamps past the clock.
func (l *Ledger) stamp(rowID int64) time.Time {
	l.clockMu.Lock()
	defer l.clockMu.Unlock()
	ts := l.now().UTC().Truncate(time.Microsecond)
	if prev, ok := l.last[rowID]; ok && !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	l.last[rowID] = ts
	return ts
}
