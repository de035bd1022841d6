package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/otelhelper"
	"github.com/dukex/keel/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Observer is told about every committed command, in commit order. The snapshot is its own copy.
type Observer interface {
	OnStateChange(ctx context.Context, snapshot *models.DeploymentState, cmd Command)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, snapshot *models.DeploymentState, cmd Command)

func (f ObserverFunc) OnStateChange(ctx context.Context, snapshot *models.DeploymentState, cmd Command) {
	f(ctx, snapshot, cmd)
}

// Machine owns the state of one deployment. Every mutation goes through Apply, which journals durable
// commands before the state changes.
type Machine struct {
	mu        sync.Mutex
	state     *models.DeploymentState
	journal   persistence.Journal
	seq       uint64
	observers []Observer
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option customizes a Machine.
type Option func(*Machine)

func WithObservers(observers ...Observer) Option {
	return func(m *Machine) {
		m.observers = append(m.observers, observers...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Machine) {
		m.tracer = tracer
	}
}

// Open rebuilds the state of deploymentID by replaying its journal.
func Open(
	ctx context.Context,
	deploymentID string,
	journal persistence.Journal,
	logger *slog.Logger,
	opts ...Option,
) (*Machine, error) {
	m := &Machine{
		state:   models.NewDeploymentState(deploymentID),
		journal: journal,
		logger:  logger.With("module", "deployment", "deploymentId", deploymentID),
		tracer:  otelhelper.Tracer("keel/deployment"),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "deployment.Replay",
		attribute.String(otelhelper.DeploymentIDKey, deploymentID))
	defer span.End()

	entries, err := journal.Read(ctx)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	state, err := Replay(deploymentID, entries)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	m.state = state
	if len(entries) > 0 {
		m.seq = entries[len(entries)-1].Seq
	}

	m.logger.DebugContext(ctx, "Journal replayed", "entries", len(entries), "phase", state.Phase)

	return m, nil
}

// Replay folds entries over a fresh state.
func Replay(deploymentID string, entries []persistence.Entry) (*models.DeploymentState, error) {
	state := models.NewDeploymentState(deploymentID)

	for _, entry := range entries {
		cmd, err := Decode(entry)
		if err != nil {
			return nil, err
		}

		state, err = Reduce(state, cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: replaying seq %d: %w", persistence.ErrJournalCorrupted, entry.Seq, err)
		}
	}

	return state, nil
}

// Apply validates cmd against the current state, journals it when durable, then commits it. A
// command rejected by the reducer or the journal leaves the state untouched.
func (m *Machine) Apply(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := Reduce(m.state, cmd)
	if err != nil {
		m.logger.WarnContext(ctx, "Command rejected", "command", describe(cmd), "error", err)

		return err
	}

	if cmd.Durable() {
		entry, err := Encode(m.seq+1, m.now(), cmd)
		if err != nil {
			return err
		}

		if err := m.journal.Record(ctx, entry); err != nil {
			return fmt.Errorf("failed to journal %s: %w", cmd.Type(), err)
		}

		m.seq = entry.Seq
	}

	m.state = next

	m.logger.DebugContext(ctx, "Command applied", "command", describe(cmd), "seq", m.seq, "phase", next.Phase)

	for _, observer := range m.observers {
		observer.OnStateChange(ctx, next.Clone(), cmd)
	}

	return nil
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() *models.DeploymentState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state.Clone()
}

// DeploymentID returns the id the machine was opened for.
func (m *Machine) DeploymentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state.DeploymentID
}

// Result returns the value of a COMPLETED future. Asking for any other future is a bug in the
// caller, since dependents only run after their dependencies complete.
func (m *Machine) Result(futureID string) (*models.ResultValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.state.Nodes[futureID]
	if !ok {
		return nil, models.NewInvariantError("result of unknown future %s", futureID)
	}

	if node.Status != models.StatusCompleted || node.Result == nil {
		return nil, models.NewInvariantError("result of %s requested while it is %s", futureID, node.Status)
	}

	return node.Result.Clone(), nil
}

// Interaction returns a copy of the interaction of futureID, or nil.
func (m *Machine) Interaction(futureID string) *models.NetworkInteraction {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.state.Nodes[futureID]
	if !ok {
		return nil
	}

	return node.Interaction.Clone()
}

// Reset truncates the journal and returns the machine to an uninitialized state.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.journal.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset journal: %w", err)
	}

	m.state = models.NewDeploymentState(m.state.DeploymentID)
	m.seq = 0

	m.logger.InfoContext(ctx, "Deployment reset")

	return nil
}
