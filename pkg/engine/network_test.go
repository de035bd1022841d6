package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/dukex/keel/pkg/execution"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/testutil"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newClockedDeployer replaces the fixture's deployer with one driven by clock and config.
func (f *deployerFixture) newClockedDeployer(clock clockwork.Clock, config execution.Config) {
	f.deployer = NewDeployer(f.store, f.ledger, testutil.NewArtifacts(),
		Config{Execution: config, MaxBatchConcurrency: 4}, testutil.Logger(),
		WithClock(clock), WithMetrics(f.metrics))
}

// deployDriven runs a deployment while advancing clock one second whenever the run waits on it. tick
// runs before every advance.
func deployDriven(
	t *testing.T,
	clock *clockwork.FakeClock,
	tick func(),
	deployer *Deployer,
	req DeployRequest,
) (*models.DeploymentResult, error) {
	t.Helper()

	deadline, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	waiting, stop := context.WithCancel(deadline)
	defer stop()

	type outcome struct {
		result *models.DeploymentResult
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		result, err := deployer.Deploy(context.Background(), req)
		done <- outcome{result, err}

		stop()
	}()

	for {
		if err := clock.BlockUntilContext(waiting, 1); err != nil {
			select {
			case out := <-done:
				return out.result, out.err
			case <-deadline.Done():
				t.Fatal("deployment did not finish in time")

				return nil, nil
			}
		}

		if tick != nil {
			tick()
		}

		clock.Advance(time.Second)
	}
}

func TestDeployer_TimesOutAfterMaxFeeBumps(t *testing.T) {
	ctx := context.Background()
	f := newDeployerFixture(t)
	clock := clockwork.NewFakeClock()

	config := execution.DefaultConfig()
	config.MaxFeeBumps = 2
	config.TimeBeforeBumpingFees = 5 * time.Second
	f.newClockedDeployer(clock, config)

	f.ledger.OnSend = func(int, testutil.SentTx) testutil.Fate { return testutil.FatePending }

	result, err := deployDriven(t, clock, nil, f.deployer, request(tokenModule("1000")...))
	require.NoError(t, err)

	assert.Equal(t, models.ResultExecutionError, result.Kind)
	assert.Equal(t, []models.TimedOutFuture{{FutureID: "Mod#Token", InteractionID: 1}}, result.TimedOut)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Aborted)
	assert.Len(t, f.ledger.Sent(), 3)

	state, err := f.deployer.Status(ctx, "chain-31337")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.Equal(t, models.ErrorKindTimeout, state.Nodes["Mod#Token"].Error.Kind)
	assert.Equal(t, models.StatusUnstarted, state.Status("Mod#Mint"))

	// The timed out future blocks the next run until it is wiped.
	rerun, err := f.deployer.Deploy(ctx, request(tokenModule("1000")...))
	require.NoError(t, err)
	assert.Equal(t, models.ResultPreviousRunError, rerun.Kind)
	assert.Contains(t, rerun.PreviousRunErrors, "Mod#Token")
}

func TestDeployer_FeeModelRevertedFailsTheFuture(t *testing.T) {
	ctx := context.Background()
	f := newDeployerFixture(t)
	clock := clockwork.NewFakeClock()

	config := execution.DefaultConfig()
	config.TimeBeforeBumpingFees = 3 * time.Second
	f.newClockedDeployer(clock, config)

	f.ledger.SetFees(models.Fees{
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
	})

	f.ledger.OnSend = func(int, testutil.SentTx) testutil.Fate { return testutil.FatePending }

	// The first transaction stays pending while the network falls back to legacy fees.
	fallBack := func() {
		if len(f.ledger.Sent()) > 0 {
			f.ledger.SetFees(models.Fees{GasPrice: big.NewInt(1_000_000_000)})
		}
	}

	result, err := deployDriven(t, clock, fallBack, f.deployer, request(tokenModule("1000")...))
	require.NoError(t, err)

	assert.Equal(t, models.ResultExecutionError, result.Kind)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "Mod#Token", result.Failed[0].FutureID)
	assert.Equal(t, 1, result.Failed[0].InteractionID)
	assert.Contains(t, result.Failed[0].Error, models.ErrFeeModelReverted.Error())
	assert.Empty(t, result.TimedOut)

	sent := f.ledger.Sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Params.Fees.IsEIP1559())

	state, err := f.deployer.Status(ctx, "chain-31337")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, state.Phase)
}

func TestDeployer_ExternalInterferenceAbortsTheRun(t *testing.T) {
	ctx := context.Background()
	f := newDeployerFixture(t)
	f.deployer = NewDeployer(f.store, f.ledger, testutil.NewArtifacts(),
		Config{Execution: execution.DefaultConfig(), MaxBatchConcurrency: 1}, testutil.Logger(),
		WithClock(clockwork.NewFakeClock()), WithMetrics(f.metrics))

	f.ledger.OnSend = func(index int, _ testutil.SentTx) testutil.Fate {
		if index == 0 {
			return testutil.FateReplaceExternally
		}

		return testutil.FateMine
	}

	result, err := f.deployer.Deploy(ctx, request(
		testutil.Deploy("Mod#A", "Token", models.Literal("1000")),
		testutil.Deploy("Mod#B", "Token", models.Literal("1000")),
	))
	require.NoError(t, err)

	assert.Equal(t, models.ResultExecutionError, result.Kind)
	assert.Contains(t, result.Aborted, "external interference")
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "Mod#A", result.Failed[0].FutureID)
	assert.Equal(t, []string{"Mod#B"}, result.Started)

	sent := f.ledger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(0), sent[0].Params.Nonce)

	state, err := f.deployer.Status(ctx, "chain-31337")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.Equal(t, models.ErrorKindExternalInterference, state.Nodes["Mod#A"].Error.Kind)
}
