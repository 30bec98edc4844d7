package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l, err := New(context.Background(), store, opts...)
	require.NoError(t, err)
	return l, store
}

func TestNewRegistersStatuses(t *testing.T) {
	_, store := newTestLedger(t)
	assert.Len(t, store.statuses, 3)
	assert.Equal(t, "success", store.statuses[StatusSuccess])
}

func TestNewRejectsNilStore(t *testing.T) {
	_, err := New(context.Background(), nil)
	require.Error(t, err)
}

func TestRegisterKeysIdempotent(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)

	require.NoError(t, l.RegisterKeys(ctx, "a", "b", "c", "d"))
	require.NoError(t, l.RegisterKeys(ctx, "c", "d", "e", "e"))

	assert.Len(t, store.keys, 5)
	assert.Len(t, l.ids, 5)

	first, ok := l.KeyID("a")
	require.True(t, ok)
	require.NoError(t, l.RegisterKeys(ctx, "a"))
	again, _ := l.KeyID("a")
	assert.Equal(t, first, again)

	require.Error(t, l.RegisterKeys(ctx, ""))
	require.NoError(t, l.RegisterKeys(ctx))
}

func TestRecordEventUnknownKey(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.RecordEvent(context.Background(), "ghost", StatusSuccess)
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestRecordEventInvalidStatus(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	require.NoError(t, l.RegisterKeys(ctx, "a"))
	_, err := l.RecordEvent(ctx, "a", Status(3))
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRecordEventStampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, store := newTestLedger(t, WithClock(clock.Now))
	require.NoError(t, l.RegisterKeys(ctx, "a"))

	var prev time.Time
	for i := 0; i < 10; i++ {
		ev, err := l.RecordEvent(ctx, "a", StatusSuccess)
		require.NoError(t, err)
		assert.True(t, ev.FinishedAt.After(prev))
		prev = ev.FinishedAt
	}
	assert.Len(t, store.events, 10)
}

func TestRecordEventStampsArePerKey(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	l, _ := newTestLedger(t, WithClock(clock.Now))
	require.NoError(t, l.RegisterKeys(ctx, "a", "b"))

	for i := 0; i < 1000; i++ {
		_, err := l.RecordEvent(ctx, "a", StatusSuccess)
		require.NoError(t, err)
	}
	ev, err := l.RecordEvent(ctx, "b", StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, start, ev.FinishedAt)

	clock.Advance(time.Second)
	ev, err = l.RecordEvent(ctx, "a", StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Second), ev.FinishedAt)
}

func TestCountInWindowUpperBoundIsExclusive(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, _ := newTestLedger(t, WithClock(clock.Now))
	require.NoError(t, l.RegisterKeys(ctx, "a"))
	_, err := l.RecordEvent(ctx, "a", StatusSuccess)
	require.NoError(t, err)
	_, err = l.RecordEvent(ctx, "a", StatusSuccess)
	require.NoError(t, err)

	n, err := l.CountInWindow(ctx, time.Hour, Filter{})
	require.NoError(t, err)
	assert.Zero(t, n, "events stamped at or after now are outside the window")

	counts, err := l.CountByKeyInWindow(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, counts)

	clock.Advance(time.Microsecond)
	n, err = l.CountInWindow(ctx, time.Hour, Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	clock.Advance(time.Microsecond)
	n, err = l.CountInWindow(ctx, time.Hour, Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCountInWindowZeroAfterBurst(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	require.NoError(t, l.RegisterKeys(ctx, "a", "b"))

	var last Event
	for i := 0; i < 5000; i++ {
		key := "a"
		if i%2 == 1 {
			key = "b"
		}
		ev, err := l.RecordEvent(ctx, key, StatusSuccess)
		require.NoError(t, err)
		last = ev
	}

	n, err := l.CountInWindow(ctx, 0, Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(5 * time.Millisecond)
	assert.True(t, last.FinishedAt.Before(time.Now()), "stamps must not run ahead of the clock for long")
}

func TestCountInWindowFilters(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, _ := newTestLedger(t, WithClock(clock.Now))
	require.NoError(t, l.RegisterKeys(ctx, "a", "b"))

	record := func(key string, status Status) {
		_, err := l.RecordEvent(ctx, key, status)
		require.NoError(t, err)
	}
	record("a", StatusSuccess)
	clock.Advance(2 * time.Hour)
	record("a", StatusSuccess)
	record("a", StatusFailed)
	record("b", StatusReachLimit)
	clock.Advance(time.Minute)

	count := func(window time.Duration, f Filter) int64 {
		n, err := l.CountInWindow(ctx, window, f)
		require.NoError(t, err)
		return n
	}
	assert.EqualValues(t, 3, count(time.Hour, Filter{}))
	assert.EqualValues(t, 4, count(3*time.Hour, Filter{}))
	assert.EqualValues(t, 2, count(time.Hour, Filter{Key: "a"}))
	assert.EqualValues(t, 1, count(time.Hour, Filter{Status: StatusFailed}))
	assert.EqualValues(t, 1, count(time.Hour, Filter{Key: "b", Status: StatusReachLimit}))
	assert.EqualValues(t, 0, count(time.Hour, Filter{Key: "b", Status: StatusSuccess}))
	assert.EqualValues(t, 0, count(time.Hour, Filter{Key: "never-registered"}))

	_, err := l.CountInWindow(ctx, time.Hour, Filter{Status: Status(42)})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCountInWindowExcludesOlderEvents(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	require.NoError(t, l.RegisterKeys(ctx, "a"))
	_, err := l.RecordEvent(ctx, "a", StatusSuccess)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	n, err := l.CountInWindow(ctx, 0, Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = l.CountInWindow(ctx, time.Hour, Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCountByKeyInWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, _ := newTestLedger(t, WithClock(clock.Now))
	require.NoError(t, l.RegisterKeys(ctx, "c", "a", "b", "idle"))

	for _, key := range []string{"c", "a", "c", "b", "c"} {
		_, err := l.RecordEvent(ctx, key, StatusSuccess)
		require.NoError(t, err)
	}
	clock.Advance(time.Second)

	counts, err := l.CountByKeyInWindow(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []KeyCount{
		{Key: "a", Count: 1},
		{Key: "b", Count: 1},
		{Key: "c", Count: 3},
	}, counts)
}

func TestConcurrentRecordAndRegister(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	require.NoError(t, l.RegisterKeys(ctx, "a"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := l.RecordEvent(ctx, "a", StatusSuccess)
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, l.RegisterKeys(ctx, "a", "b"))
		}()
	}
	wg.Wait()

	assert.Len(t, store.events, 200)
	assert.Len(t, store.keys, 2)
}
