package mocks

import (
	"context"

	"github.com/dukex/keel/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockJournal is a mock implementation of persistence.Journal interface.
type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) Record(ctx context.Context, entry persistence.Entry) error {
	args := m.Called(ctx, entry)

	return args.Error(0)
}

func (m *MockJournal) Read(ctx context.Context) ([]persistence.Entry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]persistence.Entry), args.Error(1)
}

func (m *MockJournal) Reset(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockJournal) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockStore is a mock implementation of persistence.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Journal(ctx context.Context, deploymentID string) (persistence.Journal, error) {
	args := m.Called(ctx, deploymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(persistence.Journal), args.Error(1)
}

func (m *MockStore) Deployments(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

var (
	_ persistence.Journal = (*MockJournal)(nil)
	_ persistence.Store   = (*MockStore)(nil)
)
