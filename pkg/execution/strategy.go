package execution

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/keel/pkg/models"
)

const (
	StrategyBasic    = "basic"
	StrategyApproval = "approval"
)

// Decision is a strategy's verdict on a future about to run.
type Decision struct {
	Hold   bool
	HoldID string
	Reason string
}

// Strategy decides whether a future runs now or is put on HOLD until a later run.
type Strategy interface {
	Name() string
	Decide(ctx context.Context, future *models.Future) (Decision, error)
}

// BasicStrategy runs every future.
type BasicStrategy struct{}

func (BasicStrategy) Name() string { return StrategyBasic }

func (BasicStrategy) Decide(context.Context, *models.Future) (Decision, error) {
	return Decision{}, nil
}

// ApprovalStrategy holds futures that require approval until their id is approved.
type ApprovalStrategy struct {
	approved []string
}

func NewApprovalStrategy(approved ...string) *ApprovalStrategy {
	return &ApprovalStrategy{approved: slices.Clone(approved)}
}

func (s *ApprovalStrategy) Name() string { return StrategyApproval }

func (s *ApprovalStrategy) Decide(_ context.Context, future *models.Future) (Decision, error) {
	if !future.RequiresApproval || slices.Contains(s.approved, future.ID) {
		return Decision{}, nil
	}

	return Decision{
		Hold:   true,
		HoldID: "approval:" + future.ID,
		Reason: fmt.Sprintf("%s requires approval, rerun with --approve %s", future.ID, future.ID),
	}, nil
}

// NewStrategy builds a strategy by name.
func NewStrategy(name string, approved []string) (Strategy, error) {
	switch name {
	case "", StrategyBasic:
		return BasicStrategy{}, nil
	case StrategyApproval:
		return NewApprovalStrategy(approved...), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
