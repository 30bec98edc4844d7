package main

import (
	"database/sql"
	"flag"
	"fmt"
	stdlog "log"
	"os"

	"apipool-go/internal/ledger/sqlstore"
	"apipool-go/internal/migrations"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	driverName := flag.String("driver", "sqlite", "SQL dialect: sqlite, postgres or mysql")
	dsn := flag.String("dsn", "", "connection string (file path for sqlite)")
	action := flag.String("action", "up", "migration action: up, down, or version")
	steps := flag.Int("steps", 1, "steps to migrate when action=down")
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -dsn")
		os.Exit(2)
	}
	driver, err := migrations.ParseDriver(*driverName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	normalized, err := sqlstore.BuildDSN(driver, *dsn)
	if err != nil {
		stdlog.Fatalf("build dsn: %v", err)
	}

	db, err := sql.Open(string(driver), normalized)
	if err != nil {
		stdlog.Fatalf("open database: %v", err)
	}
	defer db.Close()

	switch *action {
	case "up":
		if err := migrations.Up(db, driver); err != nil {
			stdlog.Fatalf("migrate up: %v", err)
		}
		stdlog.Println("migrations applied")
	case "down":
		if err := migrations.Down(db, driver, *steps); err != nil {
			stdlog.Fatalf("migrate down: %v", err)
		}
		stdlog.Printf("rolled back %d step(s)\n", *steps)
	case "version":
		version, dirty, err := migrations.Version(db, driver)
		if err != nil {
			stdlog.Fatalf("read version: %v", err)
		}
		state := "clean"
		if dirty {
			state = "dirty"
		}
		stdlog.Printf("current version: %d (%s)\n", version, state)
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q (expected up, down, version)\n", *action)
		os.Exit(2)
	}
}
