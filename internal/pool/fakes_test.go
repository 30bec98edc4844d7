package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"apipool-go/internal/apikey"
	"apipool-go/internal/ledger"
	"apipool-go/internal/ledger/ledgertest"

	"github.com/stretchr/testify/require"
)

type fakeKey struct {
	id          string
	usable      bool
	connectErr  error
	panicUsable bool
	onUsable    func()
	connects    atomic.Int32
	probes      atomic.Int32
}

func newFakeKey(id string, usable bool) *fakeKey {
	return &fakeKey{id: id, usable: usable}
}

func (k *fakeKey) PrimaryKey() string { return k.id }

func (k *fakeKey) Connect(context.Context) (apikey.Client, error) {
	k.connects.Add(1)
	if k.connectErr != nil {
		return nil, k.connectErr
	}
	return apikey.Operations{
		"echo": func(_ context.Context, args ...any) (any, error) { return args, nil },
	}, nil
}

func (k *fakeKey) Usable(context.Context, apikey.Client) bool {
	k.probes.Add(1)
	if k.onUsable != nil {
		k.onUsable()
	}
	if k.panicUsable {
		panic("probe exploded")
	}
	return k.usable
}

type failingKeyStore struct {
	*ledger.MemoryStore
	fail bool
}

var errStoreDown = errors.New("store down")

func (s *failingKeyStore) EnsureKeys(ctx context.Context, keys []string) error {
	if s.fail {
		return errStoreDown
	}
	return s.MemoryStore.EnsureKeys(ctx, keys)
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(context.Background(), ledger.NewMemoryStore(),
		ledger.WithClock(ledgertest.NewClock(time.Now(), time.Millisecond).Now))
	require.NoError(t, err)
	return l
}

func newPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	return New(newLedger(t), opts)
}

func admitAll(t *testing.T, p *Pool, keys ...*fakeKey) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, p.Admit(context.Background(), k, false))
	}
}
