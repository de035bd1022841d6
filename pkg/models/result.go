package models

import (
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// ResultValue is the JSON-safe value a COMPLETED future exposes to its dependents. Integers are
// stored as decimal strings and addresses as checksummed hex.
type ResultValue struct {
	Address *common.Address `json:"address,omitempty"`
	Value   any             `json:"value,omitempty"`
	TxHash  *common.Hash    `json:"txHash,omitempty"`
	Logs    []Log           `json:"logs,omitempty"`
}

// Clone returns a copy sharing the immutable Value.
func (r *ResultValue) Clone() *ResultValue {
	if r == nil {
		return nil
	}

	out := *r
	out.Logs = slices.Clone(r.Logs)

	if r.Address != nil {
		addr := *r.Address
		out.Address = &addr
	}

	if r.TxHash != nil {
		hash := *r.TxHash
		out.TxHash = &hash
	}

	return &out
}

// NodeResult is the terminal per-run outcome of dispatching one future.
type NodeResult struct {
	FutureID string          `json:"futureId"`
	Status   ExecutionStatus `json:"status"`
	Value    *ResultValue    `json:"value,omitempty"`
	Error    *NodeError      `json:"error,omitempty"`
	Hold     *HoldInfo       `json:"hold,omitempty"`
}

// Completed builds a successful node result.
func Completed(futureID string, value *ResultValue) NodeResult {
	return NodeResult{FutureID: futureID, Status: StatusCompleted, Value: value}
}

// Failed builds a failed node result.
func Failed(futureID string, kind ErrorKind, interactionID int, message string) NodeResult {
	return NodeResult{
		FutureID: futureID,
		Status:   StatusFailed,
		Error:    &NodeError{Kind: kind, Message: message, InteractionID: interactionID},
	}
}

// Held builds a hold node result.
func Held(futureID, holdID, reason string) NodeResult {
	return NodeResult{FutureID: futureID, Status: StatusHold, Hold: &HoldInfo{HoldID: holdID, Reason: reason}}
}

// DeploymentResultKind discriminates DeploymentResult.
type DeploymentResultKind string

const (
	ResultSuccess             DeploymentResultKind = "success"
	ResultValidationError     DeploymentResultKind = "validation-error"
	ResultReconciliationError DeploymentResultKind = "reconciliation-error"
	ResultPreviousRunError    DeploymentResultKind = "previous-run-error"
	ResultExecutionError      DeploymentResultKind = "execution-error"
)

type TimedOutFuture struct {
	FutureID      string `json:"futureId"`
	InteractionID int    `json:"interactionId"`
}

type FailedFuture struct {
	FutureID      string `json:"futureId"`
	InteractionID int    `json:"interactionId,omitempty"`
	Error         string `json:"error"`
}

type HeldFuture struct {
	FutureID string `json:"futureId"`
	HoldID   string `json:"holdId"`
	Reason   string `json:"reason"`
}

// DeploymentResult is the single outcome of a Deploy call. Only the fields of Kind are populated.
type DeploymentResult struct {
	Kind DeploymentResultKind `json:"kind"`

	// success; also filled with the completed futures of an execution-error.
	Results map[string]ResultValue `json:"results,omitempty"`

	// validation-error
	ValidationErrors map[string][]string `json:"validationErrors,omitempty"`

	// reconciliation-error; errors not attached to a future are keyed by "".
	ReconciliationErrors map[string][]string `json:"reconciliationErrors,omitempty"`

	// previous-run-error
	PreviousRunErrors map[string][]string `json:"previousRunErrors,omitempty"`

	// execution-error
	Started    []string         `json:"started,omitempty"`
	TimedOut   []TimedOutFuture `json:"timedOut,omitempty"`
	Failed     []FailedFuture   `json:"failed,omitempty"`
	Held       []HeldFuture     `json:"held,omitempty"`
	Successful []string         `json:"successful,omitempty"`

	// Aborted is the error that stopped an execution-error run before its batch settled.
	Aborted string `json:"aborted,omitempty"`
}

// Succeeded reports whether the deployment completed.
func (r *DeploymentResult) Succeeded() bool {
	return r.Kind == ResultSuccess
}
