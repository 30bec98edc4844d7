package redisstore

import (
	"context"
	"testing"
	"time"

	"apipool-go/internal/ledger"
	"apipool-go/internal/ledger/ledgertest"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func TestStoreSuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		mr := newMiniredis(t)
		store, err := Open(context.Background(), Config{Addr: mr.Addr(), Prefix: "test:"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestOpenRequiresAddr(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestKeyLayout(t *testing.T) {
	ctx := context.Background()
	mr := newMiniredis(t)
	store, err := Open(ctx, Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	l, err := ledger.New(ctx, store)
	require.NoError(t, err)
	require.NoError(t, l.RegisterKeys(ctx, "alpha"))
	_, err = l.RecordEvent(ctx, "alpha", ledger.StatusReachLimit)
	require.NoError(t, err)

	assert.Equal(t, "1", mr.HGet("apipool:apikey", "alpha"))
	assert.Equal(t, "alpha", mr.HGet("apipool:apikey:id", "1"))
	assert.Equal(t, "reach_limit", mr.HGet("apipool:status", "9"))

	members, err := mr.ZMembers("apipool:event:key:1:status:9")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	members, err = mr.ZMembers("apipool:event:all")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestLedgerWindowOverRedis(t *testing.T) {
	ctx := context.Background()
	mr := newMiniredis(t)
	store, err := Open(ctx, Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := ledgertest.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), time.Microsecond)
	l, err := ledger.New(ctx, store, ledger.WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, l.RegisterKeys(ctx, "a", "b"))

	for i := 0; i < 3; i++ {
		_, err := l.RecordEvent(ctx, "a", ledger.StatusSuccess)
		require.NoError(t, err)
	}
	_, err = l.RecordEvent(ctx, "b", ledger.StatusFailed)
	require.NoError(t, err)

	n, err := l.CountInWindow(ctx, 0, ledger.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	clock.Advance(time.Second)

	n, err = l.CountInWindow(ctx, time.Minute, ledger.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	n, err = l.CountInWindow(ctx, time.Minute, ledger.Filter{Key: "b", Status: ledger.StatusFailed})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	byKey, err := l.CountByKeyInWindow(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []ledger.KeyCount{{Key: "a", Count: 3}, {Key: "b", Count: 1}}, byKey)
}
