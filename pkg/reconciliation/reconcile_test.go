package reconciliation

import (
	"testing"

	"github.com/dukex/keel/pkg/graph"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenGraph(t *testing.T, supply, siblingSupply string) *graph.Graph {
	t.Helper()

	return testutil.CreateTestGraph(t,
		testutil.Deploy("Mod#Token", "Token", models.Literal(supply)),
		testutil.Call("Mod#Mint", "Mod#Token", "mint", models.AccountRef(0), models.Literal("1")),
		testutil.Deploy("Mod#Sibling", "Token", models.Literal(siblingSupply)),
	)
}

// completedState records every future of g as COMPLETED with g's fingerprints.
func completedState(t *testing.T, g *graph.Graph) *models.DeploymentState {
	t.Helper()

	fingerprints, err := g.Fingerprints()
	require.NoError(t, err)

	state := models.NewDeploymentState("test")
	state.ChainID = 31337

	for id, fingerprint := range fingerprints {
		state.Nodes[id] = &models.NodeState{
			ID:          id,
			Status:      models.StatusCompleted,
			Fingerprint: fingerprint,
			Result:      &models.ResultValue{Value: id},
		}
	}

	return state
}

func inFlightInteraction() *models.NetworkInteraction {
	nonce := uint64(3)

	return &models.NetworkInteraction{
		ID:           1,
		State:        models.InteractionSent,
		Nonce:        &nonce,
		Transactions: []models.Transaction{{Hash: common.HexToHash("0x01")}},
	}
}

func rejectedFutures(t *testing.T, err error) map[string][]string {
	t.Helper()

	require.ErrorIs(t, err, models.ErrReconciliation)

	var rejected *models.ReconciliationError
	require.ErrorAs(t, err, &rejected)

	return rejected.Errors
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name    string
		next    func(t *testing.T) *graph.Graph
		mutate  func(state *models.DeploymentState)
		opts    Options
		reset   []string
		removed []string
	}{
		{
			name:  "unchanged graph keeps every result",
			next:  func(t *testing.T) *graph.Graph { return tokenGraph(t, "1000", "5") },
			reset: nil,
		},
		{
			name:  "sibling change keeps unrelated results",
			next:  func(t *testing.T) *graph.Graph { return tokenGraph(t, "1000", "6") },
			reset: []string{"Mod#Sibling"},
		},
		{
			name:  "own change resets the future and its completed dependents",
			next:  func(t *testing.T) *graph.Graph { return tokenGraph(t, "2000", "5") },
			reset: []string{"Mod#Mint", "Mod#Token"},
		},
		{
			name:  "forced future is reset",
			next:  func(t *testing.T) *graph.Graph { return tokenGraph(t, "1000", "5") },
			opts:  Options{Force: []string{"Mod#Mint"}},
			reset: []string{"Mod#Mint"},
		},
		{
			name:  "force all",
			next:  func(t *testing.T) *graph.Graph { return tokenGraph(t, "1000", "5") },
			opts:  Options{ForceAll: true},
			reset: []string{"Mod#Mint", "Mod#Sibling", "Mod#Token"},
		},
		{
			name: "removed futures are reported",
			next: func(t *testing.T) *graph.Graph {
				return testutil.CreateTestGraph(t, testutil.Deploy("Mod#Token", "Token", models.Literal("1000")))
			},
			removed: []string{"Mod#Mint", "Mod#Sibling"},
		},
		{
			name: "unstarted futures need no reset",
			next: func(t *testing.T) *graph.Graph { return tokenGraph(t, "1000", "6") },
			mutate: func(state *models.DeploymentState) {
				state.Nodes["Mod#Sibling"].Status = models.StatusUnstarted
				state.Nodes["Mod#Sibling"].Result = nil
			},
		},
		{
			name: "failed dependents are not reset transitively",
			next: func(t *testing.T) *graph.Graph { return tokenGraph(t, "2000", "5") },
			mutate: func(state *models.DeploymentState) {
				state.Nodes["Mod#Mint"].Status = models.StatusFailed
			},
			reset: []string{"Mod#Token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := completedState(t, tokenGraph(t, "1000", "5"))
			if tt.mutate != nil {
				tt.mutate(state)
			}

			result, err := Reconcile(state, tt.next(t), 31337, tt.opts)
			require.NoError(t, err)

			assert.Equal(t, tt.reset, result.Reset)
			assert.Equal(t, tt.removed, result.Removed)
		})
	}
}

func TestReconcile_ChainMismatch(t *testing.T) {
	g := tokenGraph(t, "1000", "5")

	_, err := Reconcile(completedState(t, g), g, 1, Options{})

	errs := rejectedFutures(t, err)
	assert.Contains(t, errs[ChainKey][0], "chain 31337")
	assert.Contains(t, err.Error(), "deployment: deployment ran on chain 31337")
}

func TestReconcile_FirstRunAcceptsAnyChain(t *testing.T) {
	g := tokenGraph(t, "1000", "5")

	result, err := Reconcile(models.NewDeploymentState("test"), g, 1, Options{})
	require.NoError(t, err)

	assert.Empty(t, result.Reset)
}

func TestReconcile_InFlightTransactions(t *testing.T) {
	previous := tokenGraph(t, "1000", "5")

	t.Run("changed future", func(t *testing.T) {
		state := completedState(t, previous)
		state.Nodes["Mod#Token"].Status = models.StatusRunning
		state.Nodes["Mod#Token"].Interaction = inFlightInteraction()

		result, err := Reconcile(state, tokenGraph(t, "2000", "5"), 31337, Options{})

		assert.Contains(t, rejectedFutures(t, err), "Mod#Token")
		assert.Nil(t, result)
	})

	t.Run("removed future", func(t *testing.T) {
		state := completedState(t, previous)
		state.Nodes["Mod#Sibling"].Status = models.StatusFailed
		state.Nodes["Mod#Sibling"].Interaction = inFlightInteraction()

		next := testutil.CreateTestGraph(t,
			testutil.Deploy("Mod#Token", "Token", models.Literal("1000")),
			testutil.Call("Mod#Mint", "Mod#Token", "mint", models.AccountRef(0), models.Literal("1")),
		)

		_, err := Reconcile(state, next, 31337, Options{})

		assert.Contains(t, rejectedFutures(t, err), "Mod#Sibling")
	})
}

func TestReconcile_UnknownForcedFuture(t *testing.T) {
	g := tokenGraph(t, "1000", "5")

	_, err := Reconcile(completedState(t, g), g, 31337, Options{Force: []string{"Mod#Nope"}})

	assert.Contains(t, rejectedFutures(t, err), "Mod#Nope")
}

func TestPreviousRunErrors(t *testing.T) {
	state := completedState(t, tokenGraph(t, "1000", "5"))
	assert.Empty(t, PreviousRunErrors(state))

	state.Nodes["Mod#Mint"].Status = models.StatusFailed
	state.Nodes["Mod#Mint"].Error = &models.NodeError{Kind: models.ErrorKindSimulation, Message: "reverted"}
	state.Nodes["Mod#Sibling"].Status = models.StatusHold

	errs := PreviousRunErrors(state)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{
		"failed in a previous run (simulation): reverted",
		"wipe Mod#Mint to retry it",
	}, errs["Mod#Mint"])
}
