// Package deployment holds the deployment state machine: the commands that mutate a deployment,
// the pure reducer applying them, and the journal-backed Machine.
package deployment

import (
	"github.com/dukex/keel/pkg/models"
)

// CommandType names a command in the journal.
type CommandType string

const (
	CommandSetDetails              CommandType = "SET_DETAILS"
	CommandStartValidation         CommandType = "START_VALIDATION"
	CommandValidationFail          CommandType = "VALIDATION_FAIL"
	CommandTransformComplete       CommandType = "TRANSFORM_COMPLETE"
	CommandExecutionStart          CommandType = "EXECUTION_START"
	CommandExecutionSetBatch       CommandType = "EXECUTION_SET_BATCH"
	CommandExecutionSetNodeResult  CommandType = "EXECUTION_SET_NODE_RESULT"
	CommandNetworkInteractionStart CommandType = "NETWORK_INTERACTION_START"
	CommandTransactionSent         CommandType = "TRANSACTION_SENT"
	CommandTransactionConfirmed    CommandType = "TRANSACTION_CONFIRMED"
	CommandInteractionDropped      CommandType = "INTERACTION_DROPPED"
	CommandInteractionReplaced     CommandType = "INTERACTION_REPLACED"
	CommandNodeReset               CommandType = "NODE_RESET"
	CommandNodeWipe                CommandType = "NODE_WIPE"
	CommandReconciliationFailed    CommandType = "RECONCILIATION_FAILED"
	CommandUnexpectedFail          CommandType = "UNEXPECTED_FAIL"
)

// Command is the closed set of state transitions.
type Command interface {
	Type() CommandType
	// Durable commands are journaled; the others only describe the current run.
	Durable() bool
}

type SetDetails struct {
	Details models.DeploymentDetails `json:"details"`
}

type StartValidation struct{}

type ValidationFail struct {
	Errors map[string][]string `json:"errors"`
}

// NodeDefinition is what the state keeps about a future of the graph.
type NodeDefinition struct {
	Type         models.FutureType `json:"type"`
	Fingerprint  string            `json:"fingerprint"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// TransformComplete attaches the execution graph. Tracked futures absent from Nodes are dropped.
type TransformComplete struct {
	GraphHash string                    `json:"graphHash"`
	Nodes     map[string]NodeDefinition `json:"nodes"`
}

type ExecutionStart struct {
	ChainID uint64 `json:"chainId"`
}

type ExecutionSetBatch struct {
	Batch []string `json:"batch"`
}

type ExecutionSetNodeResult struct {
	Result models.NodeResult `json:"result"`
}

// NetworkInteractionStart opens the interaction of a RUNNING future. The reducer assigns its id.
type NetworkInteractionStart struct {
	FutureID    string                    `json:"futureId"`
	Interaction models.NetworkInteraction `json:"interaction"`
}

type TransactionSent struct {
	FutureID      string             `json:"futureId"`
	InteractionID int                `json:"interactionId"`
	Nonce         uint64             `json:"nonce"`
	Transaction   models.Transaction `json:"transaction"`
}

type TransactionConfirmed struct {
	FutureID      string         `json:"futureId"`
	InteractionID int            `json:"interactionId"`
	Receipt       models.Receipt `json:"receipt"`
}

// InteractionDropped marks every transaction of the interaction as unknown to the network. The
// nonce stays assigned for the resend.
type InteractionDropped struct {
	FutureID      string `json:"futureId"`
	InteractionID int    `json:"interactionId"`
}

type InteractionReplaced struct {
	FutureID      string `json:"futureId"`
	InteractionID int    `json:"interactionId"`
}

type NodeReset struct {
	FutureIDs []string `json:"futureIds"`
	Reason    string   `json:"reason,omitempty"`
}

type NodeWipe struct {
	FutureID string `json:"futureId"`
}

type ReconciliationFailed struct {
	Errors map[string][]string `json:"errors"`
}

type UnexpectedFail struct {
	Message string `json:"message"`
}

func (SetDetails) Type() CommandType              { return CommandSetDetails }
func (StartValidation) Type() CommandType         { return CommandStartValidation }
func (ValidationFail) Type() CommandType          { return CommandValidationFail }
func (TransformComplete) Type() CommandType       { return CommandTransformComplete }
func (ExecutionStart) Type() CommandType          { return CommandExecutionStart }
func (ExecutionSetBatch) Type() CommandType       { return CommandExecutionSetBatch }
func (ExecutionSetNodeResult) Type() CommandType  { return CommandExecutionSetNodeResult }
func (NetworkInteractionStart) Type() CommandType { return CommandNetworkInteractionStart }
func (TransactionSent) Type() CommandType         { return CommandTransactionSent }
func (TransactionConfirmed) Type() CommandType    { return CommandTransactionConfirmed }
func (InteractionDropped) Type() CommandType      { return CommandInteractionDropped }
func (InteractionReplaced) Type() CommandType     { return CommandInteractionReplaced }
func (NodeReset) Type() CommandType               { return CommandNodeReset }
func (NodeWipe) Type() CommandType                { return CommandNodeWipe }
func (ReconciliationFailed) Type() CommandType    { return CommandReconciliationFailed }
func (UnexpectedFail) Type() CommandType          { return CommandUnexpectedFail }

func (SetDetails) Durable() bool              { return false }
func (StartValidation) Durable() bool         { return false }
func (ValidationFail) Durable() bool          { return false }
func (TransformComplete) Durable() bool       { return true }
func (ExecutionStart) Durable() bool          { return true }
func (ExecutionSetBatch) Durable() bool       { return true }
func (ExecutionSetNodeResult) Durable() bool  { return true }
func (NetworkInteractionStart) Durable() bool { return true }
func (TransactionSent) Durable() bool         { return true }
func (TransactionConfirmed) Durable() bool    { return true }
func (InteractionDropped) Durable() bool      { return true }
func (InteractionReplaced) Durable() bool     { return true }
func (NodeReset) Durable() bool               { return true }
func (NodeWipe) Durable() bool                { return true }
func (ReconciliationFailed) Durable() bool    { return false }
func (UnexpectedFail) Durable() bool          { return true }
