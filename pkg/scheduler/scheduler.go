// Package scheduler advances an execution graph batch by batch. Each batch holds every pending
// future whose dependencies are COMPLETED; batches run one after the other and the futures of a batch
// run concurrently.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/keel/pkg/deployment"
	"github.com/dukex/keel/pkg/graph"
	"github.com/dukex/keel/pkg/metrics"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Dispatcher runs one future to its per-run result. An error aborts the whole run; a FAILED result
// returned with an external interference error is recorded before the run stops.
type Dispatcher interface {
	Dispatch(ctx context.Context, future *models.Future) (models.NodeResult, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, future *models.Future) (models.NodeResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, future *models.Future) (models.NodeResult, error) {
	return f(ctx, future)
}

// StateMachine is the command interface the scheduler records batches and results through.
type StateMachine interface {
	Apply(ctx context.Context, cmd deployment.Command) error
	Snapshot() *models.DeploymentState
}

// Outcome summarizes a run from the final state.
type Outcome struct {
	Results map[string]models.ResultValue
	Failed  []string
	Held    []string
	Batches int
}

// Succeeded reports whether every future completed.
func (o *Outcome) Succeeded() bool {
	return len(o.Failed) == 0 && len(o.Held) == 0
}

type Scheduler struct {
	machine        StateMachine
	dispatcher     Dispatcher
	maxConcurrency int
	metrics        *metrics.Metrics
	logger         *slog.Logger
	tracer         trace.Tracer
}

// New returns a scheduler. maxConcurrency bounds the futures dispatched at once within a batch; zero
// or less means no bound.
func New(machine StateMachine, dispatcher Dispatcher, maxConcurrency int, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if m == nil {
		m = metrics.NewNop()
	}

	return &Scheduler{
		machine:        machine,
		dispatcher:     dispatcher,
		maxConcurrency: maxConcurrency,
		metrics:        m,
		logger:         logger.With("module", "scheduler"),
		tracer:         otelhelper.Tracer("keel/scheduler"),
	}
}

// Run executes the pending futures of g. The machine must be in phase execution. Run stops after the
// first batch with a FAILED or HOLD result, once the batch has fully settled. External interference
// cancels the rest of its batch at once and is returned as the error.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph) (*Outcome, error) {
	state := s.machine.Snapshot()
	if state.Phase != models.PhaseExecution {
		return nil, models.NewInvariantError("cannot schedule in phase %s", state.Phase)
	}

	order := g.TopologicalOrder()
	batches := 0

	for {
		batch, err := nextBatch(g, order, s.machine.Snapshot())
		if err != nil {
			return nil, err
		}

		if len(batch) == 0 {
			break
		}

		batches++

		stop, err := s.runBatch(ctx, g, batches, batch)
		if err != nil {
			return nil, err
		}

		if stop {
			break
		}
	}

	return outcome(s.machine.Snapshot(), order, batches), nil
}

// nextBatch returns the UNSTARTED or HOLD futures whose dependencies are all COMPLETED, in
// topological order. Pending futures that can never become ready are a deadlock.
func nextBatch(g *graph.Graph, order []string, state *models.DeploymentState) ([]string, error) {
	var candidates, batch []string

	for _, id := range order {
		node, ok := state.Nodes[id]
		if !ok {
			return nil, models.NewInvariantError("future %s is not tracked by the deployment", id)
		}

		if node.Status != models.StatusUnstarted && node.Status != models.StatusHold {
			continue
		}

		candidates = append(candidates, id)

		deps, err := g.DependenciesOf(id)
		if err != nil {
			return nil, models.NewInvariantError("%s", err)
		}

		ready := true
		for _, dep := range deps {
			if state.Status(dep) != models.StatusCompleted {
				ready = false

				break
			}
		}

		if ready {
			batch = append(batch, id)
		}
	}

	if len(batch) == 0 && len(candidates) > 0 {
		return nil, models.NewInvariantError("deadlock: futures %v are pending but none is ready", candidates)
	}

	return batch, nil
}

func (s *Scheduler) runBatch(ctx context.Context, g *graph.Graph, index int, batch []string) (bool, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.Batch",
		attribute.Int(otelhelper.BatchIndexKey, index),
		attribute.Int(otelhelper.BatchSizeKey, len(batch)),
	)
	defer span.End()

	start := time.Now()
	defer s.metrics.ObserveBatch(start)

	s.logger.InfoContext(ctx, "Starting batch", "batch", index, "futures", batch)

	if err := s.machine.Apply(ctx, deployment.ExecutionSetBatch{Batch: batch}); err != nil {
		otelhelper.SetError(span, err)

		return false, err
	}

	results := make([]models.NodeResult, len(batch))

	// A FAILED result leaves its siblings running. Only an error cancels them.
	group, groupCtx := errgroup.WithContext(ctx)
	if s.maxConcurrency > 0 {
		group.SetLimit(s.maxConcurrency)
	}

	for i, id := range batch {
		future, ok := g.Future(id)
		if !ok {
			return false, models.NewInvariantError("batch names unknown future %s", id)
		}

		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}

			result, err := s.dispatcher.Dispatch(groupCtx, future)
			if err != nil {
				if models.IsExternalInterference(err) && result.FutureID == id {
					if applyErr := s.machine.Apply(ctx, deployment.ExecutionSetNodeResult{Result: result}); applyErr != nil {
						return applyErr
					}
				}

				return fmt.Errorf("failed to dispatch %s: %w", id, err)
			}

			if result.FutureID != id {
				return models.NewInvariantError("dispatch of %s returned the result of %s", id, result.FutureID)
			}

			results[i] = result

			return s.machine.Apply(ctx, deployment.ExecutionSetNodeResult{Result: result})
		})
	}

	if err := group.Wait(); err != nil {
		otelhelper.SetError(span, err)

		s.logger.ErrorContext(ctx, "Batch aborted", "batch", index, "error", err)

		return false, err
	}

	stop := slices.ContainsFunc(results, func(r models.NodeResult) bool {
		return r.Status == models.StatusFailed || r.Status == models.StatusHold
	})

	s.logger.InfoContext(ctx, "Batch settled", "batch", index, "duration", time.Since(start), "stop", stop)

	return stop, nil
}

func outcome(state *models.DeploymentState, order []string, batches int) *Outcome {
	out := &Outcome{Results: map[string]models.ResultValue{}, Batches: batches}

	for _, id := range order {
		node, ok := state.Nodes[id]
		if !ok {
			continue
		}

		switch node.Status {
		case models.StatusCompleted:
			if node.Result != nil {
				out.Results[id] = *node.Result.Clone()
			}
		case models.StatusFailed:
			out.Failed = append(out.Failed, id)
		case models.StatusHold:
			out.Held = append(out.Held, id)
		}
	}

	return out
}
