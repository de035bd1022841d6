package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/deployment"
	"github.com/dukex/keel/pkg/execution"
	"github.com/dukex/keel/pkg/graph"
	"github.com/dukex/keel/pkg/metrics"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/persistence/memory"
	"github.com/dukex/keel/pkg/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startExecution(t *testing.T, g *graph.Graph) *deployment.Machine {
	t.Helper()

	ctx := context.Background()

	journal, err := memory.NewStore().Journal(ctx, "test-deployment")
	require.NoError(t, err)

	machine, err := deployment.Open(ctx, "test-deployment", journal, testutil.Logger())
	require.NoError(t, err)

	restartExecution(t, machine, g)

	return machine
}

func restartExecution(t *testing.T, machine *deployment.Machine, g *graph.Graph) {
	t.Helper()

	transform, err := deployment.Transform(g)
	require.NoError(t, err)

	require.NoError(t, machine.Apply(context.Background(), transform))
	require.NoError(t, machine.Apply(context.Background(), deployment.ExecutionStart{ChainID: 31337}))
}

// diamond is A <- {B, C} <- D.
func diamond(t *testing.T) *graph.Graph {
	t.Helper()

	return testutil.CreateTestGraph(t,
		testutil.Deploy("Mod#A", "Token"),
		testutil.Call("Mod#B", "Mod#A", "mint"),
		testutil.Call("Mod#C", "Mod#A", "mint"),
		testutil.CreateTestFuture("Mod#D", testutil.WithPayload(models.SendData{
			To:    models.FutureRef("Mod#B"),
			Value: models.FutureRef("Mod#C"),
		})),
	)
}

func complete(_ context.Context, future *models.Future) (models.NodeResult, error) {
	return models.Completed(future.ID, &models.ResultValue{Value: future.ID}), nil
}

func TestScheduler_RunsBatchesInDependencyOrder(t *testing.T) {
	g := diamond(t)
	machine := startExecution(t, g)

	var (
		mu     sync.Mutex
		called []string
	)

	dispatcher := DispatcherFunc(func(ctx context.Context, future *models.Future) (models.NodeResult, error) {
		deps, err := g.DependenciesOf(future.ID)
		assert.NoError(t, err)

		state := machine.Snapshot()
		for _, dep := range deps {
			assert.Equal(t, models.StatusCompleted, state.Status(dep), "%s started before %s", future.ID, dep)
		}

		mu.Lock()
		called = append(called, future.ID)
		mu.Unlock()

		return complete(ctx, future)
	})

	outcome, err := New(machine, dispatcher, 0, nil, testutil.Logger()).Run(context.Background(), g)
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 3, outcome.Batches)
	assert.Len(t, outcome.Results, 4)
	assert.Equal(t, "Mod#D", outcome.Results["Mod#D"].Value)
	assert.ElementsMatch(t, []string{"Mod#A", "Mod#B", "Mod#C", "Mod#D"}, called)

	state := machine.Snapshot()
	assert.Equal(t, models.PhaseComplete, state.Phase)
	assert.Equal(t, [][]string{{"Mod#A"}, {"Mod#B", "Mod#C"}}, state.PreviousBatches)
	assert.Equal(t, []string{"Mod#D"}, state.Batch)
}

func TestScheduler_SiblingFailureDoesNotCancelBatch(t *testing.T) {
	g := diamond(t)
	machine := startExecution(t, g)

	dispatcher := DispatcherFunc(func(ctx context.Context, future *models.Future) (models.NodeResult, error) {
		if future.ID == "Mod#B" {
			return models.Failed(future.ID, models.ErrorKindSimulation, 0, "reverted"), nil
		}

		if future.ID == "Mod#C" {
			time.Sleep(10 * time.Millisecond)
		}

		return complete(ctx, future)
	})

	outcome, err := New(machine, dispatcher, 0, nil, testutil.Logger()).Run(context.Background(), g)
	require.NoError(t, err)

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, []string{"Mod#B"}, outcome.Failed)
	assert.Contains(t, outcome.Results, "Mod#C")
	assert.NotContains(t, outcome.Results, "Mod#D")
	assert.Equal(t, 2, outcome.Batches)

	state := machine.Snapshot()
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.Equal(t, models.StatusUnstarted, state.Status("Mod#D"))
}

func TestScheduler_HoldStopsTheRunAndIsRetried(t *testing.T) {
	g := diamond(t)
	machine := startExecution(t, g)

	held := DispatcherFunc(func(ctx context.Context, future *models.Future) (models.NodeResult, error) {
		if future.ID == "Mod#C" {
			return models.Held(future.ID, "vote", "waiting for a governance vote"), nil
		}

		return complete(ctx, future)
	})

	outcome, err := New(machine, held, 0, nil, testutil.Logger()).Run(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, []string{"Mod#C"}, outcome.Held)
	assert.Equal(t, models.PhaseHold, machine.Snapshot().Phase)

	restartExecution(t, machine, g)

	var called []string

	retry := DispatcherFunc(func(ctx context.Context, future *models.Future) (models.NodeResult, error) {
		called = append(called, future.ID)

		return complete(ctx, future)
	})

	outcome, err = New(machine, retry, 1, nil, testutil.Logger()).Run(context.Background(), g)
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, []string{"Mod#C", "Mod#D"}, called)
	assert.Equal(t, 2, machine.Snapshot().Run)
}

func TestScheduler_DispatchErrorIsFatal(t *testing.T) {
	g := diamond(t)
	machine := startExecution(t, g)

	dispatcher := DispatcherFunc(func(context.Context, *models.Future) (models.NodeResult, error) {
		return models.NodeResult{}, models.NewInvariantError("boom")
	})

	_, err := New(machine, dispatcher, 0, nil, testutil.Logger()).Run(context.Background(), g)
	require.Error(t, err)
	assert.True(t, models.IsInvariant(err))
	assert.Equal(t, models.StatusRunning, machine.Snapshot().Status("Mod#A"))
}

func TestScheduler_MismatchedResultIsFatal(t *testing.T) {
	g := diamond(t)
	machine := startExecution(t, g)

	dispatcher := DispatcherFunc(func(ctx context.Context, _ *models.Future) (models.NodeResult, error) {
		return models.Completed("Mod#Z", &models.ResultValue{}), nil
	})

	_, err := New(machine, dispatcher, 0, nil, testutil.Logger()).Run(context.Background(), g)
	assert.True(t, models.IsInvariant(err))
}

func TestScheduler_RequiresExecutionPhase(t *testing.T) {
	g := diamond(t)

	journal, err := memory.NewStore().Journal(context.Background(), "test-deployment")
	require.NoError(t, err)

	machine, err := deployment.Open(context.Background(), "test-deployment", journal, testutil.Logger())
	require.NoError(t, err)

	_, err = New(machine, DispatcherFunc(complete), 0, nil, testutil.Logger()).Run(context.Background(), g)
	assert.True(t, models.IsInvariant(err))
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	var futures []*models.Future
	for _, id := range []string{"Mod#A", "Mod#B", "Mod#C", "Mod#D", "Mod#E"} {
		futures = append(futures, testutil.Deploy(id, "Token"))
	}

	g := testutil.CreateTestGraph(t, futures...)
	machine := startExecution(t, g)

	var inFlight, peak atomic.Int32

	dispatcher := DispatcherFunc(func(ctx context.Context, future *models.Future) (models.NodeResult, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			seen := peak.Load()
			if current <= seen || peak.CompareAndSwap(seen, current) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)

		return complete(ctx, future)
	})

	outcome, err := New(machine, dispatcher, 2, nil, testutil.Logger()).Run(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.Batches)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestNextBatch_Deadlock(t *testing.T) {
	g := diamond(t)

	state := models.NewDeploymentState("test")
	for id := range g.AllNodeIDs() {
		state.Nodes[id] = &models.NodeState{ID: id, Status: models.StatusUnstarted}
	}

	state.Nodes["Mod#A"].Status = models.StatusFailed

	_, err := nextBatch(g, g.TopologicalOrder(), state)
	require.Error(t, err)
	assert.True(t, models.IsInvariant(err))
	assert.Contains(t, err.Error(), "deadlock")
}

// A -> B -> C -> D where C's simulation reverts: A and B complete, C fails with the decoded reason
// and D never starts.
func TestScheduler_ChainWithRevertingSimulation(t *testing.T) {
	ctx := context.Background()

	g := testutil.CreateTestGraph(t,
		testutil.Deploy("Mod#A", "Token", models.Literal("1000")),
		testutil.Call("Mod#B", "Mod#A", "mint", models.AccountRef(0), models.Literal("1")),
		testutil.CreateTestFuture("Mod#C", testutil.WithPayload(models.SendData{
			To:   models.FutureRef("Mod#A"),
			Data: "0xdeadbeef",
		})),
		testutil.CreateTestFuture("Mod#D", testutil.WithPayload(models.SendData{
			To:    models.FutureRef("Mod#C"),
			Value: models.Literal("1"),
		})),
	)
	machine := startExecution(t, g)

	sender := testutil.Account(1)
	ledger := testutil.NewFakeLedger(31337, sender)
	ledger.OnCall = func(params chain.TxParams, _ chain.BlockTag) chain.RawCallResult {
		if len(params.Data) == 4 && params.Data[0] == 0xde {
			return chain.RawCallResult{ReturnData: testutil.RevertData("not allowed")}
		}

		return chain.RawCallResult{Success: true}
	}

	m := metrics.New(prometheus.NewRegistry())
	nonces := execution.NewNonceManager(ledger, testutil.Logger())
	lifecycle := execution.NewLifecycle(ledger, nonces, machine, execution.DefaultConfig(), clockwork.NewFakeClock(), m, testutil.Logger())
	executor := execution.NewExecutor(execution.ExecutorDeps{
		Futures:   g,
		Recorder:  machine,
		Lifecycle: lifecycle,
		Client:    ledger,
		Artifacts: testutil.NewArtifacts(),
		Accounts:  []common.Address{sender},
		Metrics:   m,
		Logger:    testutil.Logger(),
	})

	outcome, err := New(machine, executor, 4, m, testutil.Logger()).Run(ctx, g)
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.Batches)
	assert.Contains(t, outcome.Results, "Mod#A")
	assert.Contains(t, outcome.Results, "Mod#B")
	assert.Equal(t, []string{"Mod#C"}, outcome.Failed)

	state := machine.Snapshot()
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.Equal(t, models.StatusUnstarted, state.Status("Mod#D"))

	failure := state.Nodes["Mod#C"].Error
	require.NotNil(t, failure)
	assert.Equal(t, models.ErrorKindSimulation, failure.Kind)
	assert.Contains(t, failure.Message, `reverted with reason "not allowed"`)

	assert.Len(t, ledger.Sent(), 2)
}

// Two deployments from one sender in one batch. The first one's nonce is taken by a transaction the
// deployment did not send, so the second must never be sent.
func TestScheduler_ExternalInterferenceStopsTheRun(t *testing.T) {
	ctx := context.Background()

	g := testutil.CreateTestGraph(t,
		testutil.Deploy("Mod#A", "Token", models.Literal("1000")),
		testutil.Deploy("Mod#B", "Token", models.Literal("1000")),
	)
	machine := startExecution(t, g)

	sender := testutil.Account(1)
	ledger := testutil.NewFakeLedger(31337, sender)
	ledger.OnSend = func(index int, _ testutil.SentTx) testutil.Fate {
		if index == 0 {
			return testutil.FateReplaceExternally
		}

		return testutil.FateMine
	}

	m := metrics.New(prometheus.NewRegistry())
	nonces := execution.NewNonceManager(ledger, testutil.Logger())
	lifecycle := execution.NewLifecycle(ledger, nonces, machine, execution.DefaultConfig(), clockwork.NewFakeClock(), m, testutil.Logger())
	executor := execution.NewExecutor(execution.ExecutorDeps{
		Futures:   g,
		Recorder:  machine,
		Lifecycle: lifecycle,
		Client:    ledger,
		Artifacts: testutil.NewArtifacts(),
		Accounts:  []common.Address{sender},
		Metrics:   m,
		Logger:    testutil.Logger(),
	})

	_, err := New(machine, executor, 1, m, testutil.Logger()).Run(ctx, g)
	require.Error(t, err)
	assert.True(t, models.IsExternalInterference(err))

	sent := ledger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(0), sent[0].Params.Nonce)

	state := machine.Snapshot()
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.Equal(t, models.StatusFailed, state.Status("Mod#A"))
	require.NotNil(t, state.Nodes["Mod#A"].Error)
	assert.Equal(t, models.ErrorKindExternalInterference, state.Nodes["Mod#A"].Error.Kind)
	assert.Equal(t, models.StatusRunning, state.Status("Mod#B"))
	assert.Nil(t, machine.Interaction("Mod#B"))
}

func TestScheduler_InterferenceResultIsRecorded(t *testing.T) {
	g := diamond(t)
	machine := startExecution(t, g)

	dispatcher := DispatcherFunc(func(_ context.Context, future *models.Future) (models.NodeResult, error) {
		err := &models.ExternalInterferenceError{FutureID: future.ID, Message: "foreign transaction"}

		return models.Failed(future.ID, models.ErrorKindExternalInterference, 1, err.Error()), err
	})

	_, err := New(machine, dispatcher, 0, nil, testutil.Logger()).Run(context.Background(), g)
	require.ErrorIs(t, err, models.ErrExternalInterference)

	state := machine.Snapshot()
	assert.Equal(t, models.StatusFailed, state.Status("Mod#A"))
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.Equal(t, models.StatusUnstarted, state.Status("Mod#B"))
}
