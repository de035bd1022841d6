// Package web provides HTTP request and response types for the deployment API.
package web

import (
	"encoding/json"

	"github.com/dukex/keel/pkg/models"
)

// DeployRequest is the body of a deploy call. Module holds the module document and Parameters
// an optional parameters document, both YAML or JSON.
type DeployRequest struct {
	Module     string          `json:"module"               validate:"required"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Force      []string        `json:"force,omitempty"      validate:"dive,required"`
	ForceAll   bool            `json:"force_all,omitempty"`
	Strategy   string          `json:"strategy,omitempty"   validate:"omitempty,oneof=basic approval"`
	Approved   []string        `json:"approved,omitempty"   validate:"dive,required"`
}

// DeploymentSummary is the short form of a deployment used by listings.
type DeploymentSummary struct {
	DeploymentID string                         `json:"deployment_id"`
	Phase        models.Phase                   `json:"phase"`
	ChainID      uint64                         `json:"chain_id,omitempty"`
	Run          int                            `json:"run"`
	Futures      map[models.ExecutionStatus]int `json:"futures"`
}

// NewDeploymentSummary counts the futures of state by status.
func NewDeploymentSummary(state *models.DeploymentState) DeploymentSummary {
	summary := DeploymentSummary{
		DeploymentID: state.DeploymentID,
		Phase:        state.Phase,
		ChainID:      state.ChainID,
		Run:          state.Run,
		Futures:      map[models.ExecutionStatus]int{},
	}

	for _, node := range state.Nodes {
		summary.Futures[node.Status]++
	}

	return summary
}
