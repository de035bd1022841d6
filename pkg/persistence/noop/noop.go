// Package noop provides a journal that discards everything, for dry runs.
package noop

import (
	"context"

	"github.com/dukex/keel/pkg/persistence"
)

type Store struct{}

func NewStore() *Store { return &Store{} }

func (Store) Journal(_ context.Context, deploymentID string) (persistence.Journal, error) {
	if err := persistence.ValidateDeploymentID(deploymentID); err != nil {
		return nil, err
	}

	return Journal{}, nil
}

func (Store) Deployments(_ context.Context) ([]string, error) { return nil, nil }

func (Store) HealthCheck(_ context.Context) error { return nil }

func (Store) Close(_ context.Context) error { return nil }

type Journal struct{}

func (Journal) Record(_ context.Context, _ persistence.Entry) error { return nil }

func (Journal) Read(_ context.Context) ([]persistence.Entry, error) { return nil, nil }

func (Journal) Reset(_ context.Context) error { return nil }

func (Journal) Close(_ context.Context) error { return nil }
