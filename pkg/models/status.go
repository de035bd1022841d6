package models

import (
	"maps"
	"slices"
)

// Phase is the overall position of a deployment.
type Phase string

const (
	PhaseUninitialized        Phase = "uninitialized"
	PhaseValidating           Phase = "validating"
	PhaseValidationFailed     Phase = "validation-failed"
	PhaseTransform            Phase = "transform"
	PhaseExecution            Phase = "execution"
	PhaseComplete             Phase = "complete"
	PhaseFailed               Phase = "failed"
	PhaseHold                 Phase = "hold"
	PhaseReconciliationFailed Phase = "reconciliation-failed"
	PhaseFailedUnexpectedly   Phase = "failed-unexpectedly"
)

// ExecutionStatus is the per-future status.
type ExecutionStatus string

const (
	StatusUnstarted ExecutionStatus = "UNSTARTED"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusHold      ExecutionStatus = "HOLD"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// ErrorKind classifies the cause stored on a FAILED future.
type ErrorKind string

const (
	ErrorKindSimulation           ErrorKind = "simulation"
	ErrorKindRevert               ErrorKind = "revert"
	ErrorKindTimeout              ErrorKind = "timeout"
	ErrorKindExternalInterference ErrorKind = "external-interference"
	ErrorKindInvariant            ErrorKind = "invariant"
	ErrorKindExecution            ErrorKind = "execution"
)

// NodeError is the recorded failure of a future.
type NodeError struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	InteractionID int       `json:"interactionId,omitempty"`
}

// HoldInfo explains why a future is on hold.
type HoldInfo struct {
	HoldID string `json:"holdId"`
	Reason string `json:"reason"`
}

// NodeState is the tracked state of one future.
type NodeState struct {
	ID           string              `json:"id"`
	Type         FutureType          `json:"type,omitempty"`
	Status       ExecutionStatus     `json:"status"`
	Fingerprint  string              `json:"fingerprint,omitempty"`
	Dependencies []string            `json:"dependencies,omitempty"`
	Result       *ResultValue        `json:"result,omitempty"`
	Error        *NodeError          `json:"error,omitempty"`
	Hold         *HoldInfo           `json:"hold,omitempty"`
	Interaction  *NetworkInteraction `json:"interaction,omitempty"`
}

// Clone returns a deep copy.
func (n *NodeState) Clone() *NodeState {
	out := *n
	out.Dependencies = slices.Clone(n.Dependencies)
	out.Result = n.Result.Clone()
	out.Interaction = n.Interaction.Clone()

	if n.Error != nil {
		nodeErr := *n.Error
		out.Error = &nodeErr
	}

	if n.Hold != nil {
		hold := *n.Hold
		out.Hold = &hold
	}

	return &out
}

// DeploymentDetails are the non-durable parameters of the current run.
type DeploymentDetails struct {
	ChainID  uint64   `json:"chainId"`
	Accounts []string `json:"accounts,omitempty"`
	Strategy string   `json:"strategy,omitempty"`
}

// DeploymentState is the authoritative state of one deployment id.
type DeploymentState struct {
	DeploymentID     string                `json:"deploymentId"`
	Phase            Phase                 `json:"phase"`
	Details          DeploymentDetails     `json:"details"`
	ChainID          uint64                `json:"chainId,omitempty"`
	Run              int                   `json:"run"`
	GraphHash        string                `json:"graphHash,omitempty"`
	Nodes            map[string]*NodeState `json:"nodes"`
	Batch            []string              `json:"batch,omitempty"`
	PreviousBatches  [][]string            `json:"previousBatches,omitempty"`
	ValidationErrors map[string][]string   `json:"validationErrors,omitempty"`
	ReconcileErrors  map[string][]string   `json:"reconciliationErrors,omitempty"`
	Failure          string                `json:"failure,omitempty"`
	NextInteraction  int                   `json:"nextInteraction"`
}

// NewDeploymentState returns an empty, uninitialized state.
func NewDeploymentState(deploymentID string) *DeploymentState {
	return &DeploymentState{
		DeploymentID:    deploymentID,
		Phase:           PhaseUninitialized,
		Nodes:           map[string]*NodeState{},
		NextInteraction: 1,
	}
}

// Clone returns a deep copy.
func (s *DeploymentState) Clone() *DeploymentState {
	out := *s
	out.Details.Accounts = slices.Clone(s.Details.Accounts)
	out.Batch = slices.Clone(s.Batch)

	out.Nodes = make(map[string]*NodeState, len(s.Nodes))
	for id, node := range s.Nodes {
		out.Nodes[id] = node.Clone()
	}

	if s.PreviousBatches != nil {
		out.PreviousBatches = make([][]string, len(s.PreviousBatches))
		for i, batch := range s.PreviousBatches {
			out.PreviousBatches[i] = slices.Clone(batch)
		}
	}

	out.ValidationErrors = cloneErrors(s.ValidationErrors)
	out.ReconcileErrors = cloneErrors(s.ReconcileErrors)

	return &out
}

// Status returns the status of id, UNSTARTED when it is not tracked yet.
func (s *DeploymentState) Status(id string) ExecutionStatus {
	if node, ok := s.Nodes[id]; ok {
		return node.Status
	}

	return StatusUnstarted
}

// NodesWithStatus returns the sorted ids of tracked nodes in any of the given statuses.
func (s *DeploymentState) NodesWithStatus(statuses ...ExecutionStatus) []string {
	var ids []string
	for _, id := range slices.Sorted(maps.Keys(s.Nodes)) {
		if slices.Contains(statuses, s.Nodes[id].Status) {
			ids = append(ids, id)
		}
	}

	return ids
}

func cloneErrors(errs map[string][]string) map[string][]string {
	if errs == nil {
		return nil
	}

	out := make(map[string][]string, len(errs))
	for id, messages := range errs {
		out[id] = slices.Clone(messages)
	}

	return out
}
