package models

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureReferences(t *testing.T) {
	future := Future{
		ID: "Mod#call",
		Payload: CallFunction{
			Contract: "Mod#Token",
			Function: "mint",
			Args:     []Argument{FutureRef("Mod#Owner"), ArrayOf(Literal(1), FutureRef("Mod#Token"))},
			From:     AccountRef(1),
		},
	}

	assert.Equal(t, FutureTypeCallFunction, future.Type())
	assert.Equal(t, []string{"Mod#Owner", "Mod#Token"}, future.References())
}

func TestReadEventArgumentAbiContract(t *testing.T) {
	p := ReadEventArgument{Emitter: "Mod#Factory", EventName: "Created"}
	assert.Equal(t, "Mod#Factory", p.AbiContract())

	p.Contract = "Mod#Registry"
	assert.Equal(t, "Mod#Registry", p.AbiContract())
}

func TestAssignNonceIsImmutable(t *testing.T) {
	interaction := &NetworkInteraction{ID: 1, FutureID: "Mod#A"}

	require.NoError(t, interaction.AssignNonce(4))
	require.NoError(t, interaction.AssignNonce(4))

	err := interaction.AssignNonce(5)
	require.Error(t, err)
	assert.True(t, IsInvariant(err))
	assert.Equal(t, uint64(4), *interaction.Nonce)
}

func TestInteractionCloneIsDeep(t *testing.T) {
	nonce := uint64(3)
	original := &NetworkInteraction{
		ID:    1,
		Value: big.NewInt(10),
		Nonce: &nonce,
		Transactions: []Transaction{
			{Hash: common.HexToHash("0x01"), Fees: Fees{GasPrice: big.NewInt(100)}},
		},
	}

	clone := original.Clone()
	clone.Value.SetInt64(99)
	clone.Transactions[0].Fees.GasPrice.SetInt64(1)
	*clone.Nonce = 9

	assert.Equal(t, int64(10), original.Value.Int64())
	assert.Equal(t, int64(100), original.Transactions[0].Fees.GasPrice.Int64())
	assert.Equal(t, uint64(3), *original.Nonce)
}

func TestDeploymentStateCloneIsDeep(t *testing.T) {
	state := NewDeploymentState("dep")
	state.Nodes["a"] = &NodeState{ID: "a", Status: StatusCompleted, Result: &ResultValue{Value: "1"}}
	state.Batch = []string{"a"}

	clone := state.Clone()
	clone.Nodes["a"].Status = StatusFailed
	clone.Batch[0] = "b"

	assert.Equal(t, StatusCompleted, state.Nodes["a"].Status)
	assert.Equal(t, []string{"a"}, state.Batch)
}

func TestNodesWithStatus(t *testing.T) {
	state := NewDeploymentState("dep")
	state.Nodes["c"] = &NodeState{ID: "c", Status: StatusHold}
	state.Nodes["a"] = &NodeState{ID: "a", Status: StatusUnstarted}
	state.Nodes["b"] = &NodeState{ID: "b", Status: StatusCompleted}

	assert.Equal(t, []string{"a", "c"}, state.NodesWithStatus(StatusUnstarted, StatusHold))
	assert.Equal(t, StatusUnstarted, state.Status("missing"))
}

func TestErrorKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{&SimulationError{FutureID: "a", Reason: "boom"}, ErrorKindSimulation},
		{fmt.Errorf("wrapped: %w", &TimeoutError{FutureID: "a"}), ErrorKindTimeout},
		{&ExternalInterferenceError{Message: "x"}, ErrorKindExternalInterference},
		{NewInvariantError("bad"), ErrorKindInvariant},
		{errors.New("rpc down"), ErrorKindExecution},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKindOf(tt.err))
		})
	}
}

func TestErrorsByFuture(t *testing.T) {
	invalid := &ValidationError{Errors: map[string][]string{
		"Mod#B": {"to is required"},
		"":      {"module declares an empty future"},
		"Mod#A": {"account 2 is not configured", "unknown argument kind"},
	}}

	assert.ErrorIs(t, invalid, ErrValidation)
	assert.Equal(t, "module is invalid: module: module declares an empty future, "+
		"Mod#A: account 2 is not configured; unknown argument kind, Mod#B: to is required", invalid.Error())

	rejected := fmt.Errorf("deploy: %w", &ReconciliationError{Errors: map[string][]string{"": {"chain changed"}}})

	assert.ErrorIs(t, rejected, ErrReconciliation)
	assert.False(t, IsTimeout(rejected))
	assert.Equal(t, "deploy: reconciliation failed: deployment: chain changed", rejected.Error())
}

func TestEffectiveGasPrice(t *testing.T) {
	assert.Equal(t, int64(7), Fees{GasPrice: big.NewInt(7)}.EffectiveGasPrice().Int64())
	assert.Equal(t, int64(9), Fees{MaxFeePerGas: big.NewInt(9), MaxPriorityFeePerGas: big.NewInt(1)}.EffectiveGasPrice().Int64())
	assert.Equal(t, int64(0), Fees{}.EffectiveGasPrice().Int64())
}
