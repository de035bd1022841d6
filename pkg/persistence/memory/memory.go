// Package memory provides an in-process journal store.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dukex/keel/pkg/persistence"
)

// Store keeps every journal in memory. Journals of the same deployment share entries.
type Store struct {
	mu       sync.Mutex
	journals map[string][]persistence.Entry
}

func NewStore() *Store {
	return &Store{journals: map[string][]persistence.Entry{}}
}

func (s *Store) Journal(_ context.Context, deploymentID string) (persistence.Journal, error) {
	if err := persistence.ValidateDeploymentID(deploymentID); err != nil {
		return nil, err
	}

	return &Journal{store: s, deploymentID: deploymentID}, nil
}

func (s *Store) Deployments(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, id := range slices.Sorted(maps.Keys(s.journals)) {
		if len(s.journals[id]) > 0 {
			ids = append(ids, id)
		}
	}

	return ids, nil
}

func (s *Store) HealthCheck(_ context.Context) error { return nil }

func (s *Store) Close(_ context.Context) error { return nil }

// Journal is one deployment's view of the store.
type Journal struct {
	store        *Store
	deploymentID string
}

func (j *Journal) Record(_ context.Context, entry persistence.Entry) error {
	if err := persistence.ValidateEntry(j.deploymentID, entry); err != nil {
		return err
	}

	j.store.mu.Lock()
	defer j.store.mu.Unlock()

	entries := j.store.journals[j.deploymentID]
	if err := persistence.CheckNext(j.deploymentID, uint64(len(entries)), entry); err != nil {
		return err
	}

	entry.Payload = slices.Clone(entry.Payload)
	j.store.journals[j.deploymentID] = append(entries, entry)

	return nil
}

func (j *Journal) Read(_ context.Context) ([]persistence.Entry, error) {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()

	return slices.Clone(j.store.journals[j.deploymentID]), nil
}

func (j *Journal) Reset(_ context.Context) error {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()

	delete(j.store.journals, j.deploymentID)

	return nil
}

func (j *Journal) Close(_ context.Context) error { return nil }
