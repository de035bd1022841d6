package main

import (
	"context"
	"testing"

	"github.com/dukex/keel/pkg/engine"
	"github.com/dukex/keel/pkg/execution"
	"github.com/dukex/keel/pkg/metrics"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/persistence/memory"
	"github.com/dukex/keel/pkg/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ForceAppliesToTheFirstRunOnly(t *testing.T) {
	ctx := context.Background()

	ledger := testutil.NewFakeLedger(31337, testutil.Account(1))
	deployer := engine.NewDeployer(memory.NewStore(), ledger, testutil.NewArtifacts(),
		engine.Config{Execution: execution.DefaultConfig(), MaxBatchConcurrency: 2}, testutil.Logger(),
		engine.WithClock(clockwork.NewFakeClock()),
		engine.WithMetrics(metrics.New(prometheus.NewRegistry())),
	)

	futures := []*models.Future{testutil.Deploy("Mod#Token", "Token", models.Literal("1000"))}

	first, err := deployer.Deploy(ctx, engine.DeployRequest{DeploymentID: "chain-31337", Futures: futures})
	require.NoError(t, err)
	require.True(t, first.Succeeded())
	require.Len(t, ledger.Sent(), 1)

	requests := 0
	w := &watcher{
		deployer: deployer,
		logger:   testutil.Logger(),
		request: func(context.Context) (engine.DeployRequest, error) {
			requests++

			return engine.DeployRequest{DeploymentID: "chain-31337", Futures: futures, ForceAll: true}, nil
		},
	}

	w.run(ctx)
	assert.Len(t, ledger.Sent(), 2, "the first tick redeploys the forced future")

	w.run(ctx)
	w.run(ctx)
	assert.Len(t, ledger.Sent(), 2, "later ticks leave the deployment settled")
	assert.Equal(t, 3, requests)

	state, err := deployer.Status(ctx, "chain-31337")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, state.Phase)
	assert.Equal(t, 4, state.Run)
}

func TestWatch_SkipsCancelledRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &watcher{
		logger: testutil.Logger(),
		request: func(context.Context) (engine.DeployRequest, error) {
			t.Fatal("a cancelled watch must not build a request")

			return engine.DeployRequest{}, nil
		},
	}

	w.run(ctx)
}
