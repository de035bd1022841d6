// Package graph holds the execution graph: the DAG of futures of one deployment.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/dukex/keel/pkg/models"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrDuplicateNode     = errors.New("duplicate future id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrSealed            = errors.New("graph is sealed")
	ErrNodeNotFound      = errors.New("future not found")
)

type node struct {
	future     *models.Future
	deps       []string
	dependents []string
}

// Graph is an append-only DAG. Dependencies of a node must exist before the node is added, and
// the graph can be sealed once execution starts.
type Graph struct {
	mutex  sync.RWMutex
	nodes  map[string]*node
	order  []string
	sealed bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddNode adds future with the given dependency ids.
func (g *Graph) AddNode(future *models.Future, dependencies []string) error {
	if future == nil || future.ID == "" {
		return fmt.Errorf("%w: empty future id", ErrNodeNotFound)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.sealed {
		return ErrSealed
	}

	if _, ok := g.nodes[future.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, future.ID)
	}

	deps := slices.Clone(dependencies)
	slices.Sort(deps)
	deps = slices.Compact(deps)

	for _, dep := range deps {
		if dep == future.ID {
			return fmt.Errorf("%w: %s depends on itself", ErrCycle, future.ID)
		}

		if _, ok := g.nodes[dep]; !ok {
			return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, future.ID, dep)
		}
	}

	g.nodes[future.ID] = &node{future: future, deps: deps}
	g.order = append(g.order, future.ID)

	for _, dep := range deps {
		g.nodes[dep].dependents = append(g.nodes[dep].dependents, future.ID)
	}

	return nil
}

// Seal makes the graph immutable.
func (g *Graph) Seal() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.sealed = true
}

// Len returns the number of futures.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return len(g.nodes)
}

// Future returns the future with the given id.
func (g *Graph) Future(id string) (*models.Future, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}

	return n.future, true
}

// DependenciesOf returns the sorted direct dependency ids of id; empty for roots.
func (g *Graph) DependenciesOf(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	return slices.Clone(n.deps), nil
}

// Dependents returns the direct dependents of id in insertion order.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	return slices.Clone(n.dependents), nil
}

// AllNodeIDs enumerates future ids in insertion order. The sequence walks a snapshot taken at
// call time.
func (g *Graph) AllNodeIDs() iter.Seq[string] {
	g.mutex.RLock()
	ids := slices.Clone(g.order)
	g.mutex.RUnlock()

	return slices.Values(ids)
}

// TopologicalOrder returns the ids sorted so that every future follows its dependencies, ties
// broken by id.
func (g *Graph) TopologicalOrder() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.deps)
	}

	var queue []string
	for _, id := range slices.Sorted(maps.Keys(inDegree)) {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)

		dependents := slices.Clone(g.nodes[id].dependents)
		slices.Sort(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	return result
}

// Fingerprint hashes the defining parameters of a single future: its type, payload, approval
// flag and dependency ids.
func (g *Graph) Fingerprint(id string) (string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	return fingerprint(n)
}

// Fingerprints returns the fingerprint of every future.
func (g *Graph) Fingerprints() (map[string]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	out := make(map[string]string, len(g.nodes))
	for id, n := range g.nodes {
		fp, err := fingerprint(n)
		if err != nil {
			return nil, err
		}

		out[id] = fp
	}

	return out, nil
}

// ContentHash is a structural hash of the whole graph, independent of insertion order.
func (g *Graph) ContentHash() (string, error) {
	fingerprints, err := g.Fingerprints()
	if err != nil {
		return "", err
	}

	type entry struct {
		ID          string `json:"id"`
		Fingerprint string `json:"fingerprint"`
	}

	entries := make([]entry, 0, len(fingerprints))
	for _, id := range slices.Sorted(maps.Keys(fingerprints)) {
		entries = append(entries, entry{ID: id, Fingerprint: fingerprints[id]})
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode graph: %w", err)
	}

	return crypto.Keccak256Hash(encoded).Hex(), nil
}

func fingerprint(n *node) (string, error) {
	encoded, err := json.Marshal(struct {
		Type             models.FutureType `json:"type"`
		Payload          models.Payload    `json:"payload"`
		RequiresApproval bool              `json:"requiresApproval"`
		Dependencies     []string          `json:"dependencies"`
	}{
		Type:             n.future.Type(),
		Payload:          n.future.Payload,
		RequiresApproval: n.future.RequiresApproval,
		Dependencies:     n.deps,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode future %s: %w", n.future.ID, err)
	}

	return crypto.Keccak256Hash(encoded).Hex(), nil
}
