package redis_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/keel/pkg/persistence/journaltest"
	"github.com/dukex/keel/pkg/persistence/redis"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	store, err := redis.NewStore(ctx, slog.Default(), "redis://"+endpoint+"/0")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(ctx)
		_ = container.Terminate(ctx)

		cancel()
	})

	return store
}

func TestStore(t *testing.T) {
	journaltest.Run(t, setupRedis(t))
}
