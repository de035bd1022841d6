// Package reconciliation compares a new execution graph and chain against the persisted state of a
// deployment and decides which futures keep their results.
package reconciliation

import (
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/keel/pkg/graph"
	"github.com/dukex/keel/pkg/models"
)

// ChainKey holds reconciliation errors not attached to a future.
const ChainKey = ""

// Options selects futures to re-execute even when unchanged.
type Options struct {
	Force    []string
	ForceAll bool
}

func (o Options) forced(id string) bool {
	return o.ForceAll || slices.Contains(o.Force, id)
}

// Result is the outcome of a successful Reconcile.
type Result struct {
	// Reset lists the tracked futures to move back to UNSTARTED, sorted.
	Reset []string
	// Removed lists the tracked futures absent from the new graph, sorted.
	Removed []string
}

type rejections map[string][]string

func (r rejections) add(id, format string, args ...any) {
	r[id] = append(r[id], fmt.Sprintf(format, args...))
}

func (r rejections) err() error {
	if len(r) == 0 {
		return nil
	}

	return &models.ReconciliationError{Errors: r}
}

// Reconcile checks state, as left by previous runs, against g on chainID. It must run before the new
// graph is attached to the state, while the fingerprints of the previous graph are still recorded.
//
// A future whose fingerprint changed, or that is forced, is reset; so is every COMPLETED future
// depending on it, transitively. Futures with transactions still in flight cannot be reset or removed.
// A run that may not proceed is reported as a *models.ReconciliationError.
func Reconcile(state *models.DeploymentState, g *graph.Graph, chainID uint64, opts Options) (*Result, error) {
	result := &Result{}
	rejected := rejections{}

	if state.ChainID != 0 && state.ChainID != chainID {
		rejected.add(ChainKey, "deployment ran on chain %d and cannot continue on chain %d", state.ChainID, chainID)

		return nil, rejected.err()
	}

	for _, id := range opts.Force {
		if _, ok := g.Future(id); !ok {
			rejected.add(id, "cannot force unknown future %s", id)
		}
	}

	fingerprints, err := g.Fingerprints()
	if err != nil {
		return nil, err
	}

	reset := map[string]bool{}

	for _, id := range slices.Sorted(maps.Keys(state.Nodes)) {
		node := state.Nodes[id]

		fingerprint, ok := fingerprints[id]
		if !ok {
			if inFlight(node) {
				rejected.add(id, "future was removed from the module but its transactions are still in flight")
			}

			result.Removed = append(result.Removed, id)

			continue
		}

		if node.Status == models.StatusUnstarted && node.Interaction == nil {
			continue
		}

		if node.Fingerprint == fingerprint && !opts.forced(id) {
			continue
		}

		if inFlight(node) {
			rejected.add(id, "future changed but its transactions are still in flight")

			continue
		}

		reset[id] = true
	}

	if err := rejected.err(); err != nil {
		return nil, err
	}

	// Completed dependents consumed the old results.
	queue := slices.Sorted(maps.Keys(reset))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		dependents, err := g.Dependents(id)
		if err != nil {
			continue
		}

		for _, dependent := range dependents {
			if reset[dependent] || state.Status(dependent) != models.StatusCompleted {
				continue
			}

			reset[dependent] = true
			queue = append(queue, dependent)
		}
	}

	result.Reset = slices.Sorted(maps.Keys(reset))

	return result, nil
}

func inFlight(node *models.NodeState) bool {
	return node.Status != models.StatusCompleted && node.Interaction != nil && node.Interaction.InFlight()
}

// PreviousRunErrors lists the FAILED futures of state. They block a new run until wiped; HOLD
// futures are retried and do not block.
func PreviousRunErrors(state *models.DeploymentState) map[string][]string {
	var errs map[string][]string

	for _, id := range slices.Sorted(maps.Keys(state.Nodes)) {
		node := state.Nodes[id]
		if node.Status != models.StatusFailed {
			continue
		}

		if errs == nil {
			errs = map[string][]string{}
		}

		message := "failed in a previous run"
		if node.Error != nil {
			message = fmt.Sprintf("failed in a previous run (%s): %s", node.Error.Kind, node.Error.Message)
		}

		errs[id] = append(errs[id], message, fmt.Sprintf("wipe %s to retry it", id))
	}

	return errs
}
