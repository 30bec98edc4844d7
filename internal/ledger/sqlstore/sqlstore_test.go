package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"apipool-go/internal/ledger"
	"apipool-go/internal/ledger/ledgertest"
	"apipool-go/internal/migrations"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLiteStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{
		Driver: migrations.SQLite,
		DSN:    filepath.Join(t.TempDir(), "data", "ledger.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreSuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return openSQLiteStore(t)
	})
}

func TestSQLiteReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	first, err := Open(ctx, Config{Driver: migrations.SQLite, DSN: path})
	require.NoError(t, err)
	l, err := ledger.New(ctx, first)
	require.NoError(t, err)
	require.NoError(t, l.RegisterKeys(ctx, "a", "b"))
	_, err = l.RecordEvent(ctx, "a", ledger.StatusSuccess)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	second, err := Open(ctx, Config{Driver: migrations.SQLite, DSN: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	l2, err := ledger.New(ctx, second)
	require.NoError(t, err)
	require.NoError(t, l2.RegisterKeys(ctx, "b", "a"))

	n, err := l2.CountInWindow(ctx, time.Hour, ledger.Filter{Key: "a"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ids, err := second.LoadKeyIDs(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestSQLiteStatusRows(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)
	require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))
	require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))

	rows, err := store.DB().QueryContext(ctx, `SELECT id, description FROM status ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	got := map[int]string{}
	for rows.Next() {
		var (
			id   int
			desc string
		)
		require.NoError(t, rows.Scan(&id, &desc))
		got[id] = desc
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, map[int]string{1: "success", 5: "failed", 9: "reach_limit"}, got)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()
	dsn, err := BuildDSN(migrations.SQLite, filepath.Join(dir, "nested", "x.db"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dsn, "file:"))
	assert.Contains(t, dsn, "busy_timeout(5000)")

	dsn, err = BuildDSN(migrations.SQLite, "file:custom.db?mode=ro")
	require.NoError(t, err)
	assert.Equal(t, "file:custom.db?mode=ro", dsn)

	dsn, err = BuildDSN(migrations.MySQL, "user:pass@tcp(127.0.0.1:3306)/ledger")
	require.NoError(t, err)
	assert.Contains(t, dsn, "multiStatements=true")

	_, err = BuildDSN(migrations.Postgres, "")
	require.Error(t, err)
	_, err = BuildDSN(migrations.SQLite, "")
	require.Error(t, err)
	_, err = BuildDSN("oracle", "x")
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: migrations.Postgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := &Store{driver: migrations.SQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))

	assert.Equal(t, "?,?,?", placeholders(3))
}

func TestForeignKeyViolationMapsToUnknownKey(t *testing.T) {
	assert.True(t, isForeignKeyViolation(fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1452})))
	assert.False(t, isForeignKeyViolation(&mysql.MySQLError{Number: 1062}))
	assert.True(t, isForeignKeyViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isForeignKeyViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isForeignKeyViolation(errors.New("connection reset")))
	assert.False(t, isForeignKeyViolation(nil))

	ctx := context.Background()
	store := openSQLiteStore(t)
	require.NoError(t, store.EnsureStatuses(ctx, ledger.Statuses()))
	err := store.AppendEvent(ctx, ledger.Event{KeyID: 42, Status: ledger.StatusSuccess, FinishedAt: time.Now()})
	require.ErrorIs(t, err, ledger.ErrUnknownKey)
	assert.NotErrorIs(t, err, ledger.ErrDuplicateEvent)
}

func TestMySQLEventInsertOnlyAbsorbsPrimaryKeyConflicts(t *testing.T) {
	q, err := queriesFor(migrations.MySQL)
	require.NoError(t, err)
	assert.NotContains(t, q.insertEvent, "IGNORE")
	assert.Contains(t, q.insertEvent, "ON DUPLICATE KEY UPDATE")
}
