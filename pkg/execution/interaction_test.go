package execution

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/deployment"
	"github.com/dukex/keel/pkg/metrics"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/persistence/memory"
	"github.com/dukex/keel/pkg/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = 31337

func newMachine(t *testing.T) *deployment.Machine {
	t.Helper()

	ctx := context.Background()

	journal, err := memory.NewStore().Journal(ctx, "test-deployment")
	require.NoError(t, err)

	machine, err := deployment.Open(ctx, "test-deployment", journal, testutil.Logger())
	require.NoError(t, err)

	return machine
}

// runningMachine returns a machine in phase execution with ids RUNNING in the current batch.
func runningMachine(t *testing.T, ids ...string) *deployment.Machine {
	t.Helper()

	ctx := context.Background()
	machine := newMachine(t)

	nodes := make(map[string]deployment.NodeDefinition, len(ids))
	for _, id := range ids {
		nodes[id] = deployment.NodeDefinition{Type: models.FutureTypeDeployContract, Fingerprint: "0x" + id}
	}

	for _, cmd := range []deployment.Command{
		deployment.TransformComplete{GraphHash: "0xgraph", Nodes: nodes},
		deployment.ExecutionStart{ChainID: testChainID},
		deployment.ExecutionSetBatch{Batch: ids},
	} {
		require.NoError(t, machine.Apply(ctx, cmd))
	}

	return machine
}

type lifecycleFixture struct {
	ledger    *testutil.FakeLedger
	machine   *deployment.Machine
	nonces    *NonceManager
	clock     *clockwork.FakeClock
	metrics   *metrics.Metrics
	lifecycle *Lifecycle
	sender    common.Address
}

func newLifecycleFixture(t *testing.T, config Config, ids ...string) *lifecycleFixture {
	t.Helper()

	if len(ids) == 0 {
		ids = []string{"Mod#Token"}
	}

	f := &lifecycleFixture{
		sender:  testutil.Account(1),
		machine: runningMachine(t, ids...),
		clock:   clockwork.NewFakeClock(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}

	f.ledger = testutil.NewFakeLedger(testChainID, f.sender)
	f.nonces = NewNonceManager(f.ledger, testutil.Logger())
	f.lifecycle = NewLifecycle(f.ledger, f.nonces, f.machine, config, f.clock, f.metrics, testutil.Logger())

	return f
}

func (f *lifecycleFixture) deployRequest() Request {
	contract := testutil.TokenContract()

	return Request{From: f.sender, Data: []byte{0x60, 0x80}, ABI: &contract}
}

// drive runs fn while advancing the fake clock one second whenever fn waits on it. tick runs before
// every advance.
func drive(t *testing.T, clock *clockwork.FakeClock, tick func(), fn func() error) error {
	t.Helper()

	deadline, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	waiting, stop := context.WithCancel(deadline)
	defer stop()

	done := make(chan error, 1)

	go func() {
		done <- fn()

		stop()
	}()

	for {
		if err := clock.BlockUntilContext(waiting, 1); err != nil {
			select {
			case err := <-done:
				return err
			case <-deadline.Done():
				t.Fatal("lifecycle did not finish in time")

				return nil
			}
		}

		if tick != nil {
			tick()
		}

		clock.Advance(time.Second)
	}
}

func TestLifecycle_DeployConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig())

	receipt, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())
	require.NoError(t, err)

	assert.True(t, receipt.Status)
	require.NotNil(t, receipt.ContractAddress)

	interaction := f.machine.Interaction("Mod#Token")
	require.NotNil(t, interaction)
	assert.Equal(t, models.InteractionConfirmed, interaction.State)
	assert.Equal(t, 1, interaction.ID)
	require.NotNil(t, interaction.Nonce)
	assert.Equal(t, uint64(0), *interaction.Nonce)
	require.Len(t, interaction.Transactions, 1)
	assert.Equal(t, receipt.TxHash, interaction.Transactions[0].Hash)

	sent := f.ledger.Sent()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].Params.To)
	assert.Equal(t, uint64(21_032), sent[0].Params.Gas)

	assert.InDelta(t, 1, prom.ToFloat64(f.metrics.TransactionsSent.WithLabelValues(metrics.SendInitial)), 0)
	assert.InDelta(t, 0, prom.ToFloat64(f.metrics.FeeBumps), 0)
}

func TestLifecycle_SameSenderGetsConsecutiveNonces(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig(), "Mod#A", "Mod#B")

	_, err := f.lifecycle.Execute(ctx, "Mod#A", f.deployRequest())
	require.NoError(t, err)

	_, err = f.lifecycle.Execute(ctx, "Mod#B", f.deployRequest())
	require.NoError(t, err)

	assert.Equal(t, uint64(0), *f.machine.Interaction("Mod#A").Nonce)
	assert.Equal(t, uint64(1), *f.machine.Interaction("Mod#B").Nonce)
	assert.Equal(t, 2, f.machine.Interaction("Mod#B").ID)
}

func TestLifecycle_WaitsForConfirmations(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.RequiredConfirmations = 3
	f := newLifecycleFixture(t, config)

	var receipt *models.Receipt

	err := drive(t, f.clock, func() { f.ledger.AdvanceBlocks(1) }, func() error {
		var err error
		receipt, err = f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())

		return err
	})
	require.NoError(t, err)

	block, err := f.ledger.GetLatestBlock(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, block.Number-receipt.BlockNumber+1, uint64(3))
	assert.Len(t, f.ledger.Sent(), 1)
}

func TestLifecycle_TimesOutAfterMaxFeeBumps(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.MaxFeeBumps = 2
	config.TimeBeforeBumpingFees = 5 * time.Second
	f := newLifecycleFixture(t, config)
	f.ledger.OnSend = func(int, testutil.SentTx) testutil.Fate { return testutil.FatePending }

	err := drive(t, f.clock, nil, func() error {
		_, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())

		return err
	})

	var timeout *models.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "Mod#Token", timeout.FutureID)
	assert.Equal(t, 1, timeout.InteractionID)
	assert.Equal(t, 3, timeout.Transactions)

	sent := f.ledger.Sent()
	require.Len(t, sent, 3)

	for i := 1; i < len(sent); i++ {
		assert.Equal(t, sent[0].Params.Nonce, sent[i].Params.Nonce)

		previous := new(big.Int).Mul(sent[i-1].Params.Fees.EffectiveGasPrice(), big.NewInt(110))
		current := new(big.Int).Mul(sent[i].Params.Fees.EffectiveGasPrice(), big.NewInt(100))
		assert.GreaterOrEqual(t, current.Cmp(previous), 0, "transaction %d pays at least 110%% of the previous one", i)
	}

	interaction := f.machine.Interaction("Mod#Token")
	assert.Equal(t, models.InteractionSent, interaction.State)
	assert.Len(t, interaction.Transactions, 3)

	assert.InDelta(t, 2, prom.ToFloat64(f.metrics.FeeBumps), 0)
	assert.InDelta(t, 2, prom.ToFloat64(f.metrics.TransactionsSent.WithLabelValues(metrics.SendBump)), 0)
}

func TestLifecycle_BumpedTransactionConfirms(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.TimeBeforeBumpingFees = 3 * time.Second
	f := newLifecycleFixture(t, config)
	f.ledger.OnSend = func(index int, _ testutil.SentTx) testutil.Fate {
		if index == 0 {
			return testutil.FatePending
		}

		return testutil.FateMine
	}

	var receipt *models.Receipt

	err := drive(t, f.clock, nil, func() error {
		var err error
		receipt, err = f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())

		return err
	})
	require.NoError(t, err)

	sent := f.ledger.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[1].Hash, receipt.TxHash)
	assert.Equal(t, "1100000000", sent[1].Params.Fees.GasPrice.String())
}

func TestLifecycle_SimulationRevert(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig())
	data := testutil.RevertData("supply too large")
	f.ledger.OnCall = func(chain.TxParams, chain.BlockTag) chain.RawCallResult {
		return chain.RawCallResult{ReturnData: data}
	}

	_, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())

	var simulation *models.SimulationError
	require.ErrorAs(t, err, &simulation)
	assert.Contains(t, simulation.Reason, `reverted with reason "supply too large"`)
	assert.Empty(t, f.ledger.Sent())

	// The reserved nonce went back to the pool.
	reservation, err := f.nonces.Reserve(ctx, "Mod#Other", f.sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), reservation.Nonce)
	reservation.Release()
}

func TestLifecycle_SimulationDecodesCustomErrors(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig())
	contract := testutil.TokenContract()

	packed, err := contract.Errors["Unauthorized"].Inputs.Pack(f.sender)
	require.NoError(t, err)

	data := append(contract.Errors["Unauthorized"].ID.Bytes()[:4], packed...)
	f.ledger.OnCall = func(chain.TxParams, chain.BlockTag) chain.RawCallResult {
		return chain.RawCallResult{ReturnData: data}
	}

	_, err = f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())
	require.ErrorIs(t, err, models.ErrSimulation)
	assert.Contains(t, err.Error(), "custom error Unauthorized")
}

func TestLifecycle_EstimationFailure(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig())

	var simulatedGas uint64

	f.ledger.OnEstimate = func(chain.TxParams) (uint64, error) {
		return 0, assert.AnError
	}
	f.ledger.OnCall = func(params chain.TxParams, tag chain.BlockTag) chain.RawCallResult {
		simulatedGas = params.Gas

		assert.Equal(t, chain.BlockPending, tag)

		return chain.RawCallResult{Success: true}
	}

	_, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())

	var simulation *models.SimulationError
	require.ErrorAs(t, err, &simulation)
	assert.Contains(t, simulation.Reason, "gas estimation failed")
	assert.Equal(t, uint64(maxSimulationGas), simulatedGas)
	assert.Empty(t, f.ledger.Sent())
}

func TestLifecycle_DroppedTransactionIsResent(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig())
	f.ledger.OnSend = func(index int, _ testutil.SentTx) testutil.Fate {
		if index == 0 {
			return testutil.FateDrop
		}

		return testutil.FateMine
	}

	receipt, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())
	require.NoError(t, err)

	sent := f.ledger.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].Params.Nonce, sent[1].Params.Nonce)
	assert.Equal(t, sent[1].Hash, receipt.TxHash)

	interaction := f.machine.Interaction("Mod#Token")
	assert.Equal(t, models.InteractionConfirmed, interaction.State)
	assert.Len(t, interaction.Transactions, 2)

	assert.InDelta(t, 1, prom.ToFloat64(f.metrics.TransactionsSent.WithLabelValues(metrics.SendResend)), 0)
}

func TestLifecycle_ReplacedByUser(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig())
	f.ledger.OnSend = func(int, testutil.SentTx) testutil.Fate { return testutil.FateReplaceExternally }

	_, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())
	require.ErrorIs(t, err, models.ErrExternalInterference)

	var interference *models.ExternalInterferenceError
	require.ErrorAs(t, err, &interference)
	assert.Equal(t, f.sender, interference.Sender)
	assert.Equal(t, uint64(0), interference.Nonce)

	assert.Equal(t, models.InteractionReplacedByUser, f.machine.Interaction("Mod#Token").State)
}

func TestLifecycle_ForeignPendingTransactionAtNonceIsNotADrop(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig())

	require.NoError(t, f.machine.Apply(ctx, deployment.NetworkInteractionStart{
		FutureID:    "Mod#Token",
		Interaction: models.NetworkInteraction{From: f.sender, Data: []byte{0x60, 0x80}},
	}))

	// Our transaction is gone from the network and another one took its nonce in the pool.
	require.NoError(t, f.machine.Apply(ctx, deployment.TransactionSent{
		FutureID:      "Mod#Token",
		InteractionID: 1,
		Nonce:         0,
		Transaction:   models.Transaction{Hash: common.HexToHash("0x01"), Fees: legacy(1_000_000_000), SentAt: f.clock.Now()},
	}))

	foreign := f.ledger.AddPending(f.sender)

	_, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())

	var interference *models.ExternalInterferenceError
	require.ErrorAs(t, err, &interference)
	assert.Equal(t, f.sender, interference.Sender)
	assert.Equal(t, uint64(0), interference.Nonce)
	assert.Equal(t, "Mod#Token", interference.FutureID)

	assert.Empty(t, f.ledger.Sent())

	tx, err := f.ledger.GetTransaction(ctx, foreign)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.True(t, tx.Pending)

	interaction := f.machine.Interaction("Mod#Token")
	assert.Equal(t, models.InteractionSent, interaction.State)
	assert.Len(t, interaction.Transactions, 1)
	assert.InDelta(t, 0, prom.ToFloat64(f.metrics.TransactionsSent.WithLabelValues(metrics.SendResend)), 0)
}

func TestLifecycle_ResumesSentInteraction(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig())
	f.ledger.OnSend = func(int, testutil.SentTx) testutil.Fate { return testutil.FatePending }

	require.NoError(t, f.machine.Apply(ctx, deployment.NetworkInteractionStart{
		FutureID:    "Mod#Token",
		Interaction: models.NetworkInteraction{From: f.sender, Data: []byte{0x60, 0x80}},
	}))

	hash, err := f.ledger.SendTransaction(ctx, chain.TxParams{From: f.sender, Nonce: 0, Fees: legacy(1_000_000_000)})
	require.NoError(t, err)

	require.NoError(t, f.machine.Apply(ctx, deployment.TransactionSent{
		FutureID:      "Mod#Token",
		InteractionID: 1,
		Nonce:         0,
		Transaction:   models.Transaction{Hash: hash, Fees: legacy(1_000_000_000), SentAt: f.clock.Now()},
	}))

	require.NoError(t, f.ledger.Mine(hash))

	receipt, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
	assert.Len(t, f.ledger.Sent(), 1)
}

func TestLifecycle_ConfirmedInteractionReturnsStoredReceipt(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t, DefaultConfig())

	first, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())
	require.NoError(t, err)

	second, err := f.lifecycle.Execute(ctx, "Mod#Token", f.deployRequest())
	require.NoError(t, err)

	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Len(t, f.ledger.Sent(), 1)
}
