package main

import (
	"context"
	"fmt"
	"strings"

	"apipool-go/internal/config"
	"apipool-go/internal/ledger"
	"apipool-go/internal/ledger/mongostore"
	"apipool-go/internal/ledger/redisstore"
	"apipool-go/internal/ledger/sqlstore"
	"apipool-go/internal/migrations"
)

// openLedgerStore builds the backend named by cfg.Driver.
func openLedgerStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case config.DriverMemory:
		return ledger.NewMemoryStore(), nil
	case config.DriverSQLite, config.DriverPostgres, config.DriverMySQL:
		d, err := migrations.ParseDriver(driver)
		if err != nil {
			return nil, err
		}
		return sqlstore.Open(ctx, sqlstore.Config{Driver: d, DSN: cfg.DSN, SkipMigrations: cfg.SkipMigrations})
	case config.DriverRedis:
		return redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case config.DriverMongoDB:
		return mongostore.Open(ctx, mongostore.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}
