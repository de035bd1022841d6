// Package engine is the entry point of a deployment run: it validates the module, reconciles it with
// the journaled state, schedules the pending futures and reports a single DeploymentResult.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/keel/pkg/artifacts"
	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/deployment"
	"github.com/dukex/keel/pkg/execution"
	"github.com/dukex/keel/pkg/graph"
	"github.com/dukex/keel/pkg/metrics"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/otelhelper"
	"github.com/dukex/keel/pkg/persistence"
	"github.com/dukex/keel/pkg/reconciliation"
	"github.com/dukex/keel/pkg/scheduler"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes execution.
type Config struct {
	Execution           execution.Config
	MaxBatchConcurrency int
}

// DeployRequest describes one run of a deployment.
type DeployRequest struct {
	DeploymentID string `validate:"required"`
	// Futures are checked by Validate and reported as a validation-error result.
	Futures      []*models.Future    `validate:"-"`
	Dependencies map[string][]string `validate:"-"`
	Force        []string            `validate:"dive,required"`
	ForceAll     bool
	Strategy     string   `validate:"omitempty,oneof=basic approval"`
	Approved     []string `validate:"dive,required"`
}

type Deployer struct {
	store     persistence.Store
	client    chain.Client
	artifacts artifacts.Resolver
	config    Config
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	observers []deployment.Observer
	validate  *validator.Validate
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	running map[string]bool
}

type Option func(*Deployer)

// WithClock replaces the clock driving confirmation polling and fee bumps.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Deployer) {
		d.clock = clock
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deployer) {
		d.metrics = m
	}
}

// WithObservers registers observers on every deployment machine the deployer opens.
func WithObservers(observers ...Observer) Option {
	return func(d *Deployer) {
		d.observers = append(d.observers, observers...)
	}
}

// Observer is notified of every state change of the deployments run by a Deployer.
type Observer = deployment.Observer

func NewDeployer(
	store persistence.Store,
	client chain.Client,
	resolver artifacts.Resolver,
	config Config,
	logger *slog.Logger,
	opts ...Option,
) *Deployer {
	d := &Deployer{
		store:     store,
		client:    client,
		artifacts: resolver,
		config:    config,
		clock:     clockwork.NewRealClock(),
		metrics:   metrics.NewNop(),
		validate:  validator.New(),
		logger:    logger.With("module", "deployer"),
		tracer:    otelhelper.Tracer("keel/engine"),
		running:   map[string]bool{},
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// acquire reserves deploymentID for one operation at a time.
func (d *Deployer) acquire(deploymentID string) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running[deploymentID] {
		return nil, ErrDeploymentInProgress
	}

	d.running[deploymentID] = true

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		delete(d.running, deploymentID)
	}, nil
}

func (d *Deployer) open(ctx context.Context, deploymentID string) (*deployment.Machine, func(), error) {
	journal, err := d.store.Journal(ctx, deploymentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}

	machine, err := deployment.Open(ctx, deploymentID, journal, d.logger, deployment.WithObservers(d.observers...))
	if err != nil {
		_ = journal.Close(ctx)

		return nil, nil, err
	}

	closeJournal := func() {
		if err := journal.Close(ctx); err != nil {
			d.logger.WarnContext(ctx, "Failed to close journal", "deploymentId", deploymentID, "error", err)
		}
	}

	return machine, closeJournal, nil
}

// Deploy runs or resumes a deployment. Outcomes of the deployment itself, failed futures included,
// come back as a DeploymentResult; the error is reserved for requests that could not run and for
// failures of the engine, which are also journaled as UNEXPECTED_FAIL.
func (d *Deployer) Deploy(ctx context.Context, req DeployRequest) (*models.DeploymentResult, error) {
	if d.client == nil {
		return nil, newError("Deploy", req.DeploymentID, ErrNoNetwork)
	}

	if err := d.validate.Struct(req); err != nil {
		return nil, newError("Deploy", req.DeploymentID, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}

	if err := persistence.ValidateDeploymentID(req.DeploymentID); err != nil {
		return nil, newError("Deploy", req.DeploymentID, err)
	}

	release, err := d.acquire(req.DeploymentID)
	if err != nil {
		return nil, newError("Deploy", req.DeploymentID, err)
	}
	defer release()

	runID := uuid.NewString()

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "engine.Deploy",
		attribute.String(otelhelper.DeploymentIDKey, req.DeploymentID),
		attribute.String("keel.run.id", runID),
	)
	defer span.End()

	logger := d.logger.With("deploymentId", req.DeploymentID, "runId", runID)

	machine, closeJournal, err := d.open(ctx, req.DeploymentID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, newError("Deploy", req.DeploymentID, err)
	}
	defer closeJournal()

	result, err := d.deploy(ctx, logger, machine, req)
	if err != nil {
		otelhelper.SetError(span, err)
		d.metrics.Deployments.WithLabelValues(string(models.PhaseFailedUnexpectedly)).Inc()

		logger.ErrorContext(ctx, "Deployment failed unexpectedly", "error", err)

		if failErr := machine.Apply(context.WithoutCancel(ctx), deployment.UnexpectedFail{Message: err.Error()}); failErr != nil {
			logger.ErrorContext(ctx, "Failed to record unexpected failure", "error", failErr)
		}

		return nil, newError("Deploy", req.DeploymentID, err)
	}

	d.metrics.Deployments.WithLabelValues(string(result.Kind)).Inc()

	logger.InfoContext(ctx, "Deployment finished", "result", result.Kind, "phase", machine.Snapshot().Phase)

	return result, nil
}

func (d *Deployer) deploy(
	ctx context.Context,
	logger *slog.Logger,
	machine *deployment.Machine,
	req DeployRequest,
) (*models.DeploymentResult, error) {
	chainID, err := d.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	accounts := d.client.Accounts()

	strategy, err := execution.NewStrategy(req.Strategy, req.Approved)
	if err != nil {
		return nil, err
	}

	details := models.DeploymentDetails{ChainID: chainID, Strategy: strategy.Name()}
	for _, account := range accounts {
		details.Accounts = append(details.Accounts, account.Hex())
	}

	if err := machine.Apply(ctx, deployment.SetDetails{Details: details}); err != nil {
		return nil, err
	}

	if err := machine.Apply(ctx, deployment.StartValidation{}); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Validating module", "futures", len(req.Futures), "chainId", chainID)

	g, err := Validate(ctx, d.validate, req.Futures, req.Dependencies, d.artifacts, len(accounts))
	if err != nil {
		var invalid *models.ValidationError
		if !errors.As(err, &invalid) {
			return nil, err
		}

		if err := machine.Apply(ctx, deployment.ValidationFail{Errors: invalid.Errors}); err != nil {
			return nil, err
		}

		logger.WarnContext(ctx, "Module is invalid", "futures", len(invalid.Errors), "error", err)

		return &models.DeploymentResult{Kind: models.ResultValidationError, ValidationErrors: invalid.Errors}, nil
	}

	g.Seal()

	reconciled, err := reconciliation.Reconcile(machine.Snapshot(), g, chainID, reconciliation.Options{
		Force:    req.Force,
		ForceAll: req.ForceAll,
	})
	if err != nil {
		var rejected *models.ReconciliationError
		if !errors.As(err, &rejected) {
			return nil, err
		}

		if err := machine.Apply(ctx, deployment.ReconciliationFailed{Errors: rejected.Errors}); err != nil {
			return nil, err
		}

		logger.WarnContext(ctx, "Reconciliation failed", "error", err)

		return &models.DeploymentResult{Kind: models.ResultReconciliationError, ReconciliationErrors: rejected.Errors}, nil
	}

	for _, id := range reconciled.Removed {
		logger.WarnContext(ctx, "Future removed from the module, forgetting its state", "futureId", id)
	}

	if err := d.transform(ctx, machine, g, reconciled); err != nil {
		return nil, err
	}

	if previous := reconciliation.PreviousRunErrors(machine.Snapshot()); len(previous) > 0 {
		logger.WarnContext(ctx, "Futures failed in a previous run", "futures", len(previous))

		return &models.DeploymentResult{Kind: models.ResultPreviousRunError, PreviousRunErrors: previous}, nil
	}

	if err := machine.Apply(ctx, deployment.ExecutionStart{ChainID: chainID}); err != nil {
		return nil, err
	}

	// Nothing is pending when every future completed in earlier runs.
	if machine.Snapshot().Phase == models.PhaseExecution {
		if _, err := d.schedule(ctx, machine, g, strategy, accounts); err != nil {
			if !models.IsExternalInterference(err) {
				return nil, err
			}

			logger.ErrorContext(ctx, "Run aborted by external interference, manual intervention required", "error", err)

			result := buildResult(machine.Snapshot())
			result.Aborted = err.Error()

			return result, nil
		}
	}

	return buildResult(machine.Snapshot()), nil
}

func (d *Deployer) transform(ctx context.Context, machine *deployment.Machine, g *graph.Graph, reconciled *reconciliation.Result) error {
	transform, err := deployment.Transform(g)
	if err != nil {
		return err
	}

	if err := machine.Apply(ctx, transform); err != nil {
		return err
	}

	if len(reconciled.Reset) == 0 {
		return nil
	}

	d.logger.InfoContext(ctx, "Resetting changed futures", "deploymentId", machine.DeploymentID(), "futures", reconciled.Reset)

	return machine.Apply(ctx, deployment.NodeReset{FutureIDs: reconciled.Reset, Reason: "changed or forced"})
}

func (d *Deployer) schedule(
	ctx context.Context,
	machine *deployment.Machine,
	g *graph.Graph,
	strategy execution.Strategy,
	accounts []common.Address,
) (*scheduler.Outcome, error) {
	nonces := execution.NewNonceManager(d.client, d.logger)
	nonces.Track(machine.Snapshot())

	lifecycle := execution.NewLifecycle(d.client, nonces, machine, d.config.Execution, d.clock, d.metrics, d.logger)

	executor := execution.NewExecutor(execution.ExecutorDeps{
		Futures:   g,
		Recorder:  machine,
		Lifecycle: lifecycle,
		Client:    d.client,
		Artifacts: d.artifacts,
		Strategy:  strategy,
		Accounts:  accounts,
		Metrics:   d.metrics,
		Logger:    d.logger,
	})

	return scheduler.New(machine, executor, d.config.MaxBatchConcurrency, d.metrics, d.logger).Run(ctx, g)
}

// Status returns the replayed state of a deployment.
func (d *Deployer) Status(ctx context.Context, deploymentID string) (*models.DeploymentState, error) {
	machine, closeJournal, err := d.open(ctx, deploymentID)
	if err != nil {
		return nil, newError("Status", deploymentID, err)
	}
	defer closeJournal()

	state := machine.Snapshot()
	if state.Phase == models.PhaseUninitialized {
		return nil, newError("Status", deploymentID, ErrDeploymentNotFound)
	}

	return state, nil
}

// Wipe forgets the state of one future so the next run executes it again. Futures whose dependents
// already started cannot be wiped.
func (d *Deployer) Wipe(ctx context.Context, deploymentID, futureID string) error {
	release, err := d.acquire(deploymentID)
	if err != nil {
		return newError("Wipe", deploymentID, err)
	}
	defer release()

	machine, closeJournal, err := d.open(ctx, deploymentID)
	if err != nil {
		return newError("Wipe", deploymentID, err)
	}
	defer closeJournal()

	state := machine.Snapshot()
	if state.Phase == models.PhaseUninitialized {
		return newError("Wipe", deploymentID, ErrDeploymentNotFound)
	}

	if _, ok := state.Nodes[futureID]; !ok {
		return newError("Wipe", deploymentID, fmt.Errorf("%w: %s", ErrUnknownFuture, futureID))
	}

	if err := machine.Apply(ctx, deployment.NodeWipe{FutureID: futureID}); err != nil {
		if models.IsInvariant(err) {
			return newError("Wipe", deploymentID, fmt.Errorf("%w: %w", ErrWipeRefused, err))
		}

		return newError("Wipe", deploymentID, err)
	}

	d.logger.InfoContext(ctx, "Future wiped", "deploymentId", deploymentID, "futureId", futureID)

	return nil
}

// Reset deletes the journal of a deployment.
func (d *Deployer) Reset(ctx context.Context, deploymentID string) error {
	release, err := d.acquire(deploymentID)
	if err != nil {
		return newError("Reset", deploymentID, err)
	}
	defer release()

	machine, closeJournal, err := d.open(ctx, deploymentID)
	if err != nil {
		return newError("Reset", deploymentID, err)
	}
	defer closeJournal()

	if err := machine.Reset(ctx); err != nil {
		return newError("Reset", deploymentID, err)
	}

	return nil
}

// Deployments lists the deployment ids with a journal.
func (d *Deployer) Deployments(ctx context.Context) ([]string, error) {
	ids, err := d.store.Deployments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	return slices.Clip(ids), nil
}

// HealthCheck checks the journal store.
func (d *Deployer) HealthCheck(ctx context.Context) error {
	if err := d.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("journal store is unhealthy: %w", err)
	}

	return nil
}

func buildResult(state *models.DeploymentState) *models.DeploymentResult {
	results := map[string]models.ResultValue{}
	for _, id := range state.NodesWithStatus(models.StatusCompleted) {
		if value := state.Nodes[id].Result; value != nil {
			results[id] = *value.Clone()
		} else {
			results[id] = models.ResultValue{}
		}
	}

	if state.Phase == models.PhaseComplete {
		return &models.DeploymentResult{Kind: models.ResultSuccess, Results: results}
	}

	result := &models.DeploymentResult{
		Kind:       models.ResultExecutionError,
		Results:    results,
		Successful: state.NodesWithStatus(models.StatusCompleted),
		Started:    state.NodesWithStatus(models.StatusRunning),
	}

	for _, id := range state.NodesWithStatus(models.StatusFailed) {
		nodeErr := state.Nodes[id].Error
		if nodeErr == nil {
			nodeErr = &models.NodeError{Kind: models.ErrorKindExecution, Message: "unknown failure"}
		}

		if nodeErr.Kind == models.ErrorKindTimeout {
			result.TimedOut = append(result.TimedOut, models.TimedOutFuture{FutureID: id, InteractionID: nodeErr.InteractionID})

			continue
		}

		result.Failed = append(result.Failed, models.FailedFuture{
			FutureID:      id,
			InteractionID: nodeErr.InteractionID,
			Error:         nodeErr.Message,
		})
	}

	for _, id := range state.NodesWithStatus(models.StatusHold) {
		hold := state.Nodes[id].Hold
		if hold == nil {
			hold = &models.HoldInfo{}
		}

		result.Held = append(result.Held, models.HeldFuture{FutureID: id, HoldID: hold.HoldID, Reason: hold.Reason})
	}

	return result
}
