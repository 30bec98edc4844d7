// Package migrations owns the ledger schema for every supported SQL driver.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql
var sqlMigrations embed.FS

// Driver names a SQL backend. Values double as database/sql driver names.
type Driver string

const (
	SQLite   Driver = "sqlite"
	Postgres Driver = "postgres"
	MySQL    Driver = "mysql"
)

// ParseDriver validates a driver name.
func ParseDriver(name string) (Driver, error) {
	switch d := Driver(name); d {
	case SQLite, Postgres, MySQL:
		return d, nil
	}
	return "", fmt.Errorf("unsupported sql driver %q", name)
}

func databaseDriver(db *sql.DB, driver Driver) (database.Driver, error) {
	switch driver {
	case SQLite:
		return sqlite.WithInstance(db, &sqlite.Config{})
	case Postgres:
		return postgres.WithInstance(db, &postgres.Config{})
	case MySQL:
		return migratemysql.WithInstance(db, &migratemysql.Config{})
	}
	return nil, fmt.Errorf("unsupported sql driver %q", driver)
}

func newMigrator(db *sql.DB, driver Driver) (*migrate.Migrate, error) {
	dbDriver, err := databaseDriver(db, driver)
	if err != nil {
		return nil, fmt.Errorf("%s driver: %w", driver, err)
	}
	source, err := iofs.New(sqlMigrations, "sql/"+string(driver))
	if err != nil {
		return nil, fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, string(driver), dbDriver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate) error {
	if m == nil {
		return nil
	}
	srcErr, dbErr := m.Close()
	return errors.Join(srcErr, dbErr)
}

// Up applies all pending migrations. The migrator closes db when done, so
// callers pass a handle dedicated to the migration.
func Up(db *sql.DB, driver Driver) error {
	m, err := newMigrator(db, driver)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations up: %w", err)
	}
	return nil
}

// Down rolls back the given number of migrations (default 1 if steps <= 0).
func Down(db *sql.DB, driver Driver, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	m, err := newMigrator(db, driver)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations down: %w", err)
	}
	return nil
}

// Version returns the current migration version.
func Version(db *sql.DB, driver Driver) (uint, bool, error) {
	m, err := newMigrator(db, driver)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrator(m)

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, dirty, fmt.Errorf("migrations version: %w", err)
	}
	return version, dirty, nil
}
