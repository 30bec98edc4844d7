package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownKey is returned when an event references a key id that was
	// never registered.
	ErrUnknownKey = errors.New("unknown api key")
	// ErrInvalidStatus is returned for statuses outside the fixed vocabulary.
	ErrInvalidStatus = errors.New("invalid status")
	// ErrDuplicateEvent is returned by a Store when an event with the same
	// (key id, finished_at) identity already exists.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// Event is one immutable ledger entry.
type Event struct {
	KeyID      int64
	Key        string
	Status     Status
	FinishedAt time.Time
}

// Query selects events with Since <= finished_at < Until. A zero Until
// leaves the range open above. Zero KeyID or Status means "any".
type Query struct {
	Since  time.Time
	Until  time.Time
	KeyID  int64
	Status Status
}

// Bounds returns the query range in unix microseconds. The upper bound is
// exclusive and false when Until is zero.
func (q Query) Bounds() (since, until int64, bounded bool) {
	if q.Until.IsZero() {
		return Micros(q.Since), 0, false
	}
	return Micros(q.Since), Micros(q.Until), true
}

// KeyCount is the number of events recorded for one key.
type KeyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Store is the storage handle a Ledger writes through. Implementations
// must make EnsureStatuses and EnsureKeys insert-or-skip, and must keep
// events append-only.
type Store interface {
	EnsureStatuses(ctx context.Context, statuses []Status) error
	EnsureKeys(ctx context.Context, keys []string) error
	// LoadKeyIDs returns row ids for the given keys; keys without a row are
	// omitted. A nil slice loads every row.
	LoadKeyIDs(ctx context.Context, keys []string) (map[string]int64, error)
	AppendEvent(ctx context.Context, ev Event) error
	CountEvents(ctx context.Context, q Query) (int64, error)
	// CountEventsByKey returns per-key counts of events in the range of q,
	// ordered by key, omitting keys without events. KeyID and Status are
	// ignored.
	CountEventsByKey(ctx context.Context, q Query) ([]KeyCount, error)
	Close() error
}

// Micros converts t to the unix-microsecond form persisted by stores.
func Micros(t time.Time) int64 { return t.UnixMicro() }

// FromMicros is the inverse of Micros.
func FromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }
