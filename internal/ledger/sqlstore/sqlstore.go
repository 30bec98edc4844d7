// Package sqlstore persists the ledger in SQLite, PostgreSQL or MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"apipool-go/internal/ledger"
	"apipool-go/internal/migrations"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"modernc.org/sqlite"
)

const (
	defaultTimeout      = 5 * time.Second
	startupPingTimeout  = 10 * time.Second
	connMaxLifetime     = 5 * time.Minute
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5

	mysqlNoReferencedRow       = 1452
	postgresForeignKeyViolated = "23503"
	sqliteConstraintForeignKey = 787
)

// Config selects the SQL backend.
type Config struct {
	Driver migrations.Driver
	// DSN is a file path for SQLite and a driver DSN otherwise.
	DSN string
	// SkipMigrations leaves the schema untouched; used when cmd/migrate
	// manages it out of band.
	SkipMigrations bool
}

// Store implements ledger.Store on database/sql.
type Store struct {
	db      *sql.DB
	driver  migrations.Driver
	queries queries
}

var _ ledger.Store = (*Store)(nil)

// Open connects, applies pending migrations and returns a ready store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn, err := BuildDSN(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if !cfg.SkipMigrations {
		if err := migrate(cfg.Driver, dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(string(cfg.Driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == migrations.SQLite {
		// single writer; database/sql serialises every statement
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(defaultMaxOpenConns)
		db.SetMaxIdleConns(defaultMaxIdleConns)
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	log.WithField("driver", cfg.Driver).Info("ledger sql store connected")
	return New(db, cfg.Driver)
}

// New wraps an already migrated database handle.
func New(db *sql.DB, driver migrations.Driver) (*Store, error) {
	q, err := queriesFor(driver)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, driver: driver, queries: q}, nil
}

func migrate(driver migrations.Driver, dsn string) error {
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return fmt.Errorf("open %s for migration: %w", driver, err)
	}
	defer db.Close()
	if err := migrations.Up(db, driver); err != nil {
		return fmt.Errorf("migrate %s: %w", driver, err)
	}
	return nil
}

// BuildDSN normalises a user supplied DSN for the driver.
func BuildDSN(driver migrations.Driver, dsn string) (string, error) {
	switch driver {
	case migrations.SQLite:
		return sqliteDSN(dsn)
	case migrations.Postgres:
		if dsn == "" {
			return "", fmt.Errorf("postgres dsn is empty")
		}
		return dsn, nil
	case migrations.MySQL:
		if dsn == "" {
			return "", fmt.Errorf("mysql dsn is empty")
		}
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		// migration files hold several statements each
		cfg.MultiStatements = true
		return cfg.FormatDSN(), nil
	}
	return "", fmt.Errorf("unsupported sql driver %q", driver)
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite path is empty")
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create sqlite directory: %w", err)
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path), nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) EnsureStatuses(ctx context.Context, statuses []ledger.Status) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, st := range statuses {
			if _, err := tx.ExecContext(ctx, s.queries.insertStatus, st.ID(), st.String()); err != nil {
				return fmt.Errorf("insert status %s: %w", st, err)
			}
		}
		return nil
	})
}

func (s *Store) EnsureKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.queries.insertKey)
		if err != nil {
			return fmt.Errorf("prepare key insert: %w", err)
		}
		defer stmt.Close()
		for _, key := range keys {
			if _, err := stmt.ExecContext(ctx, key); err != nil {
				return fmt.Errorf("insert key %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *Store) LoadKeyIDs(ctx context.Context, keys []string) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case keys == nil:
		rows, err = s.db.QueryContext(ctx, s.queries.selectAllKeys)
	case len(keys) == 0:
		return map[string]int64{}, nil
	case s.driver == migrations.Postgres:
		rows, err = s.db.QueryContext(ctx, s.queries.selectKeys, pq.Array(keys))
	default:
		query := fmt.Sprintf(s.queries.selectKeys, placeholders(len(keys)))
		args := make([]any, len(keys))
		for i, k := range keys {
			args[i] = k
		}
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(keys))
	for rows.Next() {
		var (
			id  int64
			key string
		)
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.queries.insertEvent, ev.KeyID, ledger.Micros(ev.FinishedAt), ev.Status.ID())
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: row %d", ledger.ErrUnknownKey, ev.KeyID)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert event rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrDuplicateEvent
	}
	return nil
}

// isForeignKeyViolation reports whether err is an event row referencing a
// missing apikey or status row. The ledger validates statuses first, so in
// practice it means an unknown key.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlNoReferencedRow
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == postgresForeignKeyViolated
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqliteConstraintForeignKey ||
			strings.Contains(liteErr.Error(), "FOREIGN KEY constraint failed")
	}
	return false
}

func (s *Store) CountEvents(ctx context.Context, q ledger.Query) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	since, until, bounded := q.Bounds()
	conds := []string{"finished_at >= ?"}
	args := []any{since}
	if bounded {
		conds = append(conds, "finished_at < ?")
		args = append(args, until)
	}
	if q.KeyID != 0 {
		conds = append(conds, "apikey_id = ?")
		args = append(args, q.KeyID)
	}
	if q.Status != 0 {
		conds = append(conds, "status_id = ?")
		args = append(args, q.Status.ID())
	}
	query := s.rebind("SELECT COUNT(*) FROM event WHERE " + strings.Join(conds, " AND "))

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) CountEventsByKey(ctx context.Context, q ledger.Query) ([]ledger.KeyCount, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	since, until, bounded := q.Bounds()
	if !bounded {
		until = math.MaxInt64
	}
	rows, err := s.db.QueryContext(ctx, s.queries.countByKey, since, until)
	if err != nil {
		return nil, fmt.Errorf("count events by key: %w", err)
	}
	defer rows.Close()

	var out []ledger.KeyCount
	for rows.Next() {
		var kc ledger.KeyCount
		if err := rows.Scan(&kc.Key, &kc.Count); err != nil {
			return nil, fmt.Errorf("scan key count: %w", err)
		}
		out = append(out, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key counts: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != migrations.Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
