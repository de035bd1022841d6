package deployment

import (
	"fmt"

	"github.com/dukex/keel/pkg/graph"
)

// Transform builds the TRANSFORM_COMPLETE command describing g.
func Transform(g *graph.Graph) (TransformComplete, error) {
	hash, err := g.ContentHash()
	if err != nil {
		return TransformComplete{}, fmt.Errorf("failed to hash graph: %w", err)
	}

	fingerprints, err := g.Fingerprints()
	if err != nil {
		return TransformComplete{}, err
	}

	nodes := make(map[string]NodeDefinition, len(fingerprints))

	for id := range g.AllNodeIDs() {
		future, _ := g.Future(id)

		deps, err := g.DependenciesOf(id)
		if err != nil {
			return TransformComplete{}, err
		}

		nodes[id] = NodeDefinition{
			Type:         future.Type(),
			Fingerprint:  fingerprints[id],
			Dependencies: deps,
		}
	}

	return TransformComplete{GraphHash: hash, Nodes: nodes}, nil
}
