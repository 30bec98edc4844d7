package migrations

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestParseDriver(t *testing.T) {
	for _, name := range []string{"sqlite", "postgres", "mysql"} {
		d, err := ParseDriver(name)
		require.NoError(t, err)
		require.Equal(t, Driver(name), d)
	}
	_, err := ParseDriver("oracle")
	require.Error(t, err)
}

func TestSQLiteUpDownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	version, dirty, err := Version(openSQLite(t, path), SQLite)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Zero(t, version)

	require.NoError(t, Up(openSQLite(t, path), SQLite))
	require.NoError(t, Up(openSQLite(t, path), SQLite))

	version, dirty, err = Version(openSQLite(t, path), SQLite)
	require.NoError(t, err)
	require.False(t, dirty)
	require.EqualValues(t, 1, version)

	db := openSQLite(t, path)
	var tables int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('apikey', 'status', 'event')`,
	).Scan(&tables))
	require.Equal(t, 3, tables)

	require.NoError(t, Down(openSQLite(t, path), SQLite, 0))
	version, _, err = Version(openSQLite(t, path), SQLite)
	require.NoError(t, err)
	require.Zero(t, version)
}

func TestEmbeddedSourcesPerDriver(t *testing.T) {
	for _, d := range []Driver{SQLite, Postgres, MySQL} {
		entries, err := sqlMigrations.ReadDir("sql/" + string(d))
		require.NoError(t, err)
		require.Len(t, entries, 2, "driver %s", d)
	}
}
