package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/keel/pkg/persistence/journaltest"
	"github.com/dukex/keel/pkg/persistence/postgresql"
	"github.com/dukex/keel/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"journal_entries", "deployments", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Store, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("keel_test"),
			postgres.WithUsername("keel"),
			postgres.WithPassword("keel"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewStore(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = store.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return store, ctx, databaseURL
}

func TestStore(t *testing.T) {
	store, _, _ := setupTestDB(t)

	journaltest.Run(t, store)
}

func TestNewStore_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	manager := sqlbase.NewMigrationManager(slog.Default(), db, map[int]string{1: "", 2: ""})

	version, err := manager.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, manager.LatestVersion(), version)

	var exists bool

	err = db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'journal_entries')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHealthCheck(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	require.NoError(t, store.HealthCheck(ctx))
}
