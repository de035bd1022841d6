// Package testutil provides test data builders and a fake ledger for testing.
package testutil

import (
	"testing"

	"github.com/dukex/keel/pkg/graph"
	"github.com/dukex/keel/pkg/models"
)

// CreateTestFuture creates a DeployContract future of "Token" that can be overridden.
func CreateTestFuture(id string, overrides ...func(*models.Future)) *models.Future {
	future := &models.Future{
		ID:      id,
		Payload: models.DeployContract{ContractName: "Token"},
	}

	for _, override := range overrides {
		override(future)
	}

	return future
}

// WithPayload sets the future payload.
func WithPayload(payload models.Payload) func(*models.Future) {
	return func(f *models.Future) {
		f.Payload = payload
	}
}

// WithApproval marks the future as requiring approval.
func WithApproval() func(*models.Future) {
	return func(f *models.Future) {
		f.RequiresApproval = true
	}
}

// Deploy builds a DeployContract future.
func Deploy(id, contractName string, args ...models.Argument) *models.Future {
	return CreateTestFuture(id, WithPayload(models.DeployContract{ContractName: contractName, Args: args}))
}

// Call builds a CallFunction future on the contract produced by contract.
func Call(id, contract, function string, args ...models.Argument) *models.Future {
	return CreateTestFuture(id, WithPayload(models.CallFunction{Contract: contract, Function: function, Args: args}))
}

// CreateTestGraph builds a graph from futures, failing the test on error.
func CreateTestGraph(t *testing.T, futures ...*models.Future) *graph.Graph {
	t.Helper()

	g, err := graph.Build(futures, nil)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}

	return g
}
