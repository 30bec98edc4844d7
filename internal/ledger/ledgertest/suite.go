// Package ledgertest holds the behaviour every ledger.Store must share.
package ledgertest

import (
	"context"
	"testing"
	"time"

	"apipool-go/internal/ledger"

	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ledger.Store

// Run exercises store semantics through the public Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("idempotent key registration", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))
		require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))

		require.NoError(t, store.EnsureKeys(ctx, []string{"a", "b", "c"}))
		require.NoError(t, store.EnsureKeys(ctx, []string{"b", "c", "d"}))

		ids, err := store.LoadKeyIDs(ctx, nil)
		require.NoError(t, err)
		require.Len(t, ids, 4)

		distinct := make(map[int64]struct{})
		for _, id := range ids {
			require.NotZero(t, id)
			distinct[id] = struct{}{}
		}
		require.Len(t, distinct, 4)

		subset, err := store.LoadKeyIDs(ctx, []string{"a", "missing"})
		require.NoError(t, err)
		require.Equal(t, map[string]int64{"a": ids["a"]}, subset)
	})

	t.Run("append and count", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))
		require.NoError(t, store.EnsureKeys(ctx, []string{"a", "b", "c"}))
		ids, err := store.LoadKeyIDs(ctx, nil)
		require.NoError(t, err)

		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		appendAt := func(key string, status ledger.Status, offset time.Duration) {
			require.NoError(t, store.AppendEvent(ctx, ledger.Event{
				KeyID:      ids[key],
				Key:        key,
				Status:     status,
				FinishedAt: base.Add(offset),
			}))
		}
		appendAt("a", ledger.StatusSuccess, 0)
		appendAt("a", ledger.StatusFailed, time.Second)
		appendAt("b", ledger.StatusSuccess, 2*time.Second)
		appendAt("b", ledger.StatusReachLimit, 3*time.Second)
		appendAt("a", ledger.StatusSuccess, -time.Hour)

		n, err := store.CountEvents(ctx, ledger.Query{Since: base})
		require.NoError(t, err)
		require.EqualValues(t, 4, n)

		n, err = store.CountEvents(ctx, ledger.Query{Since: base.Add(-2 * time.Hour)})
		require.NoError(t, err)
		require.EqualValues(t, 5, n)

		n, err = store.CountEvents(ctx, ledger.Query{Since: base, KeyID: ids["a"]})
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		n, err = store.CountEvents(ctx, ledger.Query{Since: base, Status: ledger.StatusSuccess})
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		n, err = store.CountEvents(ctx, ledger.Query{Since: base, KeyID: ids["b"], Status: ledger.StatusReachLimit})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		n, err = store.CountEvents(ctx, ledger.Query{Since: base, KeyID: ids["c"]})
		require.NoError(t, err)
		require.Zero(t, n)

		byKey, err := store.CountEventsByKey(ctx, ledger.Query{Since: base.Add(time.Second)})
		require.NoError(t, err)
		require.Equal(t, []ledger.KeyCount{
			{Key: "a", Count: 1},
			{Key: "b", Count: 2},
		}, byKey)
	})

	t.Run("exclusive upper bound", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))
		require.NoError(t, store.EnsureKeys(ctx, []string{"a", "b"}))
		ids, err := store.LoadKeyIDs(ctx, nil)
		require.NoError(t, err)

		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		for _, ev := range []struct {
			key    string
			offset time.Duration
		}{
			{"a", 0},
			{"a", time.Microsecond},
			{"b", 2 * time.Microsecond},
			{"b", time.Second},
		} {
			require.NoError(t, store.AppendEvent(ctx, ledger.Event{
				KeyID:      ids[ev.key],
				Key:        ev.key,
				Status:     ledger.StatusSuccess,
				FinishedAt: base.Add(ev.offset),
			}))
		}

		n, err := store.CountEvents(ctx, ledger.Query{Since: base, Until: base.Add(2 * time.Microsecond)})
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		n, err = store.CountEvents(ctx, ledger.Query{Since: base, Until: base})
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = store.CountEvents(ctx, ledger.Query{Since: base, Until: base.Add(time.Second), KeyID: ids["b"]})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		byKey, err := store.CountEventsByKey(ctx, ledger.Query{Since: base, Until: base.Add(time.Second)})
		require.NoError(t, err)
		require.Equal(t, []ledger.KeyCount{
			{Key: "a", Count: 2},
			{Key: "b", Count: 1},
		}, byKey)

		byKey, err = store.CountEventsByKey(ctx, ledger.Query{Since: base, Until: base})
		require.NoError(t, err)
		require.Empty(t, byKey)
	})

	t.Run("unknown key row", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))

		err := store.AppendEvent(ctx, ledger.Event{
			KeyID:      9999,
			Key:        "ghost",
			Status:     ledger.StatusSuccess,
			FinishedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		})
		require.ErrorIs(t, err, ledger.ErrUnknownKey)
	})

	t.Run("duplicate event identity", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))
		require.NoError(t, store.EnsureKeys(ctx, []string{"a"}))
		ids, err := store.LoadKeyIDs(ctx, []string{"a"})
		require.NoError(t, err)

		ev := ledger.Event{
			KeyID:      ids["a"],
			Key:        "a",
			Status:     ledger.StatusSuccess,
			FinishedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		}
		require.NoError(t, store.AppendEvent(ctx, ev))
		require.ErrorIs(t, store.AppendEvent(ctx, ev), ledger.ErrDuplicateEvent)

		n, err := store.CountEvents(ctx, ledger.Query{})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})

	t.Run("empty store counts", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))

		n, err := store.CountEvents(ctx, ledger.Query{Since: time.Now().Add(-time.Hour)})
		require.NoError(t, err)
		require.Zero(t, n)

		byKey, err := store.CountEventsByKey(ctx, ledger.Query{Since: time.Now().Add(-time.Hour), Until: time.Now()})
		require.NoError(t, err)
		require.Empty(t, byKey)
	})
}
