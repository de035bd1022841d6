package events

import (
	"encoding/json"
	"testing"

	"github.com/dukex/keel/pkg/deployment"
	"github.com/dukex/keel/pkg/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(phase models.Phase) *models.DeploymentState {
	state := models.NewDeploymentState("chain-31337")
	state.Phase = phase
	state.Run = 1

	return state
}

func TestFromCommand(t *testing.T) {
	tests := []struct {
		name     string
		state    *models.DeploymentState
		previous models.Phase
		cmd      deployment.Command
		want     []EventType
	}{
		{
			name:     "execution start changes phase",
			state:    snapshot(models.PhaseExecution),
			previous: models.PhaseTransform,
			cmd:      deployment.ExecutionStart{ChainID: 31337},
			want:     []EventType{ExecutionStartedEvent, PhaseChangedEvent},
		},
		{
			name:     "batch",
			state:    snapshot(models.PhaseExecution),
			previous: models.PhaseExecution,
			cmd:      deployment.ExecutionSetBatch{Batch: []string{"Mod#A"}},
			want:     []EventType{BatchStartedEvent},
		},
		{
			name:     "completed future finishes the deployment",
			state:    snapshot(models.PhaseComplete),
			previous: models.PhaseExecution,
			cmd:      deployment.ExecutionSetNodeResult{Result: models.Completed("Mod#A", &models.ResultValue{})},
			want:     []EventType{FutureCompletedEvent, PhaseChangedEvent},
		},
		{
			name:     "failed future",
			state:    snapshot(models.PhaseFailed),
			previous: models.PhaseExecution,
			cmd:      deployment.ExecutionSetNodeResult{Result: models.Failed("Mod#A", models.ErrorKindRevert, 1, "boom")},
			want:     []EventType{FutureFailedEvent, PhaseChangedEvent},
		},
		{
			name:     "held future",
			state:    snapshot(models.PhaseExecution),
			previous: models.PhaseExecution,
			cmd:      deployment.ExecutionSetNodeResult{Result: models.Held("Mod#A", "approval:Mod#A", "needs approval")},
			want:     []EventType{FutureHeldEvent},
		},
		{
			name:     "transaction sent",
			state:    snapshot(models.PhaseExecution),
			previous: models.PhaseExecution,
			cmd: deployment.TransactionSent{
				FutureID: "Mod#A", InteractionID: 1, Nonce: 3,
				Transaction: models.Transaction{Hash: common.HexToHash("0xaa")},
			},
			want: []EventType{TransactionSentEvent},
		},
		{
			name:     "transaction confirmed",
			state:    snapshot(models.PhaseExecution),
			previous: models.PhaseExecution,
			cmd: deployment.TransactionConfirmed{
				FutureID: "Mod#A", InteractionID: 1,
				Receipt: models.Receipt{TxHash: common.HexToHash("0xaa"), BlockNumber: 7, Status: true},
			},
			want: []EventType{TransactionConfirmedEvent},
		},
		{
			name:     "dropped",
			state:    snapshot(models.PhaseExecution),
			previous: models.PhaseExecution,
			cmd:      deployment.InteractionDropped{FutureID: "Mod#A", InteractionID: 1},
			want:     []EventType{InteractionDroppedEvent},
		},
		{
			name:     "replaced",
			state:    snapshot(models.PhaseExecution),
			previous: models.PhaseExecution,
			cmd:      deployment.InteractionReplaced{FutureID: "Mod#A", InteractionID: 1},
			want:     []EventType{InteractionReplacedEvent},
		},
		{
			name:     "reset",
			state:    snapshot(models.PhaseTransform),
			previous: models.PhaseTransform,
			cmd:      deployment.NodeReset{FutureIDs: []string{"Mod#A"}, Reason: "changed"},
			want:     []EventType{FutureResetEvent},
		},
		{
			name:     "wipe",
			state:    snapshot(models.PhaseFailed),
			previous: models.PhaseFailed,
			cmd:      deployment.NodeWipe{FutureID: "Mod#A"},
			want:     []EventType{FutureResetEvent},
		},
		{
			name:     "commands without events",
			state:    snapshot(models.PhaseUninitialized),
			previous: models.PhaseUninitialized,
			cmd:      deployment.SetDetails{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []EventType
			for _, event := range FromCommand(tt.state, tt.previous, tt.cmd) {
				got = append(got, event.GetType())
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromCommand_PhaseChangeCarriesErrors(t *testing.T) {
	state := snapshot(models.PhaseValidationFailed)
	state.ValidationErrors = map[string][]string{"Mod#A": {"unknown artifact"}}

	events := FromCommand(state, models.PhaseValidating, deployment.ValidationFail{Errors: state.ValidationErrors})
	require.Len(t, events, 1)

	change, ok := events[0].(*PhaseChanged)
	require.True(t, ok)
	assert.Equal(t, models.PhaseValidationFailed, change.Phase)
	assert.Equal(t, models.PhaseValidating, change.Previous)
	assert.Equal(t, state.ValidationErrors, change.Errors)
	assert.Equal(t, "chain-31337", change.DeploymentID)
}

func TestFutureFailed_JSON(t *testing.T) {
	event := FromCommand(snapshot(models.PhaseExecution), models.PhaseExecution,
		deployment.ExecutionSetNodeResult{Result: models.Failed("Mod#A", models.ErrorKindTimeout, 2, "timed out")})[0]

	data, err := json.Marshal(event)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"type":"future.failed"`)
	assert.Contains(t, string(data), `"future_id":"Mod#A"`)
	assert.Contains(t, string(data), `"kind":"timeout"`)
	assert.Contains(t, string(data), `"deployment_id":"chain-31337"`)

	var decoded FutureFailed
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 2, decoded.Error.InteractionID)
}
