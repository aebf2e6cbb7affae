package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/database"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/testutil/containers"
)

// TestDB is a migrated Postgres running in a throwaway container
type TestDB struct {
	URL  string
	Pool *database.ConnectionPool
}

// NewTestDB starts Postgres, applies the migrations and returns a pool.
// The container is removed when the test ends.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	pg, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pg.PostgresContainer.Terminate(context.Background())
	})

	logger := zaptest.NewLogger(t)
	migrator, err := database.NewMigrator(pg.ConnectionString, "", logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	pool, err := database.NewConnectionPool(ctx, config.DatabaseConfig{
		URL:      pg.ConnectionString,
		MaxConns: 10,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &TestDB{URL: pg.ConnectionString, Pool: pool}
}
