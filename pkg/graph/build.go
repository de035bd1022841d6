package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/keel/pkg/models"
)

// Build adds futures in dependency order, whatever order they were declared in. dependencies maps a
// future id to its explicit dependencies; ids referenced from the payload are always added.
func Build(futures []*models.Future, dependencies map[string][]string) (*Graph, error) {
	byID := make(map[string]*models.Future, len(futures))
	deps := make(map[string][]string, len(futures))

	for _, future := range futures {
		if _, ok := byID[future.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, future.ID)
		}

		byID[future.ID] = future

		all := append(slices.Clone(dependencies[future.ID]), future.References()...)
		slices.Sort(all)
		deps[future.ID] = slices.Compact(all)
	}

	inDegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string)

	for id, ds := range deps {
		for _, dep := range ds {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, id, dep)
			}

			dependents[dep] = append(dependents[dep], id)
		}

		inDegree[id] = len(ds)
	}

	var queue []string
	for _, future := range futures {
		if inDegree[future.ID] == 0 {
			queue = append(queue, future.ID)
		}
	}

	g := New()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if err := g.AddNode(byID[id], deps[id]); err != nil {
			return nil, err
		}

		next := dependents[id]
		slices.Sort(next)

		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if g.Len() < len(byID) {
		var stuck []string
		for _, id := range slices.Sorted(maps.Keys(inDegree)) {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}

		return nil, fmt.Errorf("%w between %v", ErrCycle, stuck)
	}

	return g, nil
}
