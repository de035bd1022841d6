package execution

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceManager_SequentialReservations(t *testing.T) {
	ctx := context.Background()
	sender := testutil.Account(1)
	manager := NewNonceManager(testutil.NewFakeLedger(31337, sender), testutil.Logger())

	for expected := uint64(0); expected < 3; expected++ {
		reservation, err := manager.Reserve(ctx, "Mod#A", sender)
		require.NoError(t, err)
		assert.Equal(t, expected, reservation.Nonce)

		reservation.Commit()
		reservation.Commit()
	}
}

func TestNonceManager_ReleaseReturnsTheNonce(t *testing.T) {
	ctx := context.Background()
	sender := testutil.Account(1)
	manager := NewNonceManager(testutil.NewFakeLedger(31337, sender), testutil.Logger())

	first, err := manager.Reserve(ctx, "Mod#A", sender)
	require.NoError(t, err)
	first.Release()
	first.Commit()

	second, err := manager.Reserve(ctx, "Mod#B", sender)
	require.NoError(t, err)
	assert.Equal(t, first.Nonce, second.Nonce)
	second.Release()
}

func TestNonceManager_ConcurrentReservationsAreUnique(t *testing.T) {
	ctx := context.Background()
	sender := testutil.Account(1)
	manager := NewNonceManager(testutil.NewFakeLedger(31337, sender), testutil.Logger())

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces []uint64
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			reservation, err := manager.Reserve(ctx, "Mod#A", sender)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			nonces = append(nonces, reservation.Nonce)
			mu.Unlock()

			reservation.Commit()
		}()
	}

	wg.Wait()

	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, nonces)
}

func TestNonceManager_ForeignPendingTransaction(t *testing.T) {
	ctx := context.Background()
	sender := testutil.Account(1)
	ledger := testutil.NewFakeLedger(31337, sender)
	ledger.AddPending(sender)

	manager := NewNonceManager(ledger, testutil.Logger())

	_, err := manager.Reserve(ctx, "Mod#A", sender)
	require.ErrorIs(t, err, models.ErrExternalInterference)
	assert.Contains(t, err.Error(), "1 pending transactions")

	// The sender is not left locked.
	_, err = manager.Reserve(ctx, "Mod#A", sender)
	require.Error(t, err)
}

func TestNonceManager_PendingMovedAfterLoad(t *testing.T) {
	ctx := context.Background()
	sender := testutil.Account(1)
	ledger := testutil.NewFakeLedger(31337, sender)
	manager := NewNonceManager(ledger, testutil.Logger())

	reservation, err := manager.Reserve(ctx, "Mod#A", sender)
	require.NoError(t, err)
	reservation.Commit()

	ledger.AddPending(sender)
	ledger.AddPending(sender)

	_, err = manager.Reserve(ctx, "Mod#B", sender)
	require.ErrorIs(t, err, models.ErrExternalInterference)
}

func TestNonceManager_TrackedPendingTransactionIsOwned(t *testing.T) {
	ctx := context.Background()
	sender := testutil.Account(1)
	ledger := testutil.NewFakeLedger(31337, sender)
	ledger.OnSend = func(int, testutil.SentTx) testutil.Fate { return testutil.FatePending }

	_, err := ledger.SendTransaction(ctx, chain.TxParams{From: sender, Nonce: 0, Fees: legacy(1)})
	require.NoError(t, err)

	nonce := uint64(0)
	state := models.NewDeploymentState("test")
	state.Nodes["Mod#A"] = &models.NodeState{
		ID:          "Mod#A",
		Status:      models.StatusRunning,
		Interaction: &models.NetworkInteraction{ID: 1, FutureID: "Mod#A", From: sender, Nonce: &nonce},
	}

	manager := NewNonceManager(ledger, testutil.Logger())
	manager.Track(state)

	reservation, err := manager.Reserve(ctx, "Mod#B", sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reservation.Nonce)
	reservation.Release()
}
