//go:build integration

// internal/oplog/integration_test.go
// Run with: go test -tags integration ./internal/oplog/...
package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/database"
)

func TestGormStore(t *testing.T) {
	ctx := context.Background()

	pgC, err := tcPostgres.Run(ctx, "postgres:16-alpine",
		tcPostgres.WithDatabase("traceledger_test"),
		tcPostgres.WithUsername("traceledger"),
		tcPostgres.WithPassword("traceledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	db, err := database.Initialize(config.DatabaseConfig{
		Host:         host,
		Port:         port.Port(),
		User:         "traceledger",
		Password:     "traceledger",
		Database:     "traceledger_test",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		MaxLifetime:  300,
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	require.NoError(t, database.RunMigrations(db, config.StorageConfig{
		RecordStore: config.BackendMemory,
		OpLogStore:  config.BackendPostgres,
	}))

	suite.Run(t, &StoreSuite{
		newStore: func(t *testing.T) Store {
			require.NoError(t, db.Exec("TRUNCATE operation_entries").Error)
			return NewGormStore(db)
		},
	})
}
