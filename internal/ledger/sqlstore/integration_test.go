package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"apipool-go/internal/ledger"
	"apipool-go/internal/ledger/ledgertest"
	"apipool-go/internal/migrations"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type containerSpec struct {
	image string
	port  string
	env   map[string]string
	wait  wait.Strategy
	dsn   func(host, port string) string
}

func startContainer(t *testing.T, cs containerSpec) string {
	t.Helper()
	if testing.Short() {
		t.Skip("sql integration test skipped in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cs.image,
			ExposedPorts: []string{cs.port},
			Env:          cs.env,
			WaitingFor:   cs.wait,
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("%s container unavailable: %v", cs.image, err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, nat.Port(cs.port))
	require.NoError(t, err)
	return cs.dsn(host, port.Port())
}

func runIntegration(t *testing.T, driver migrations.Driver, dsn string) {
	t.Helper()
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		store, err := Open(context.Background(), Config{Driver: driver, DSN: dsn})
		require.NoError(t, err)
		_, err = store.DB().Exec("DELETE FROM event")
		require.NoError(t, err)
		_, err = store.DB().Exec("DELETE FROM apikey")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := startContainer(t, containerSpec{
		image: "postgres:16-alpine",
		port:  "5432/tcp",
		env: map[string]string{
			"POSTGRES_PASSWORD": "ledger",
			"POSTGRES_DB":       "ledger",
		},
		wait: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(time.Minute),
		dsn: func(host, port string) string {
			return fmt.Sprintf("postgres://postgres:ledger@%s:%s/ledger?sslmode=disable", host, port)
		},
	})
	runIntegration(t, migrations.Postgres, dsn)
}

func TestMySQLStore_Integration(t *testing.T) {
	dsn := startContainer(t, containerSpec{
		image: "mysql:8.0",
		port:  "3306/tcp",
		env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "ledger",
			"MYSQL_DATABASE":      "ledger",
		},
		wait: wait.ForLog("port: 3306  MySQL Community Server").WithStartupTimeout(2 * time.Minute),
		dsn: func(host, port string) string {
			return fmt.Sprintf("root:ledger@tcp(%s:%s)/ledger", host, port)
		},
	})
	runIntegration(t, migrations.MySQL, dsn)
}
