package cmd

import (
	"context"
	"testing"

	"github.com/dukex/keel/pkg/persistence/file"
	"github.com/dukex/keel/pkg/persistence/memory"
	"github.com/dukex/keel/pkg/persistence/noop"
	"github.com/dukex/keel/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJournalProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url      string
		provider string
		location string
	}{
		{url: "file://./deployments", provider: "file", location: "./deployments"},
		{url: "./deployments", provider: "file", location: "./deployments"},
		{url: "badger:///var/lib/keel", provider: "badger", location: "/var/lib/keel"},
		{url: "postgres://keel@localhost/keel", provider: "postgres", location: "keel@localhost/keel"},
		{url: "memory://", provider: "memory", location: ""},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()

			provider, location := parseJournalProvider(tt.url)

			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.location, location)
		})
	}
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := testutil.Logger()

	store, err := NewStore(ctx, logger, "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &file.Store{}, store)

	store, err = NewStore(ctx, logger, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)

	store, err = NewStore(ctx, logger, "noop://")
	require.NoError(t, err)
	assert.IsType(t, &noop.Store{}, store)

	_, err = NewStore(ctx, logger, "mongodb://localhost")
	require.ErrorContains(t, err, "unsupported journal provider")

	_, err = NewStore(ctx, logger, "file://")
	require.Error(t, err)
}

func TestNewEventBus(t *testing.T) {
	t.Parallel()

	logger := testutil.Logger()

	bus, err := NewEventBus("none", "keel.deployments", logger)
	require.NoError(t, err)
	assert.Nil(t, bus)

	bus, err = NewEventBus("gochannel", "keel.deployments", logger)
	require.NoError(t, err)
	require.NotNil(t, bus)
	require.NoError(t, bus.Close())

	_, err = NewEventBus("nats", "keel.deployments", logger)
	require.Error(t, err)
}
