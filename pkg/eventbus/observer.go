package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukex/keel/pkg/deployment"
	"github.com/dukex/keel/pkg/events"
	"github.com/dukex/keel/pkg/models"
)

// Observer publishes the events of every state change of the deployments it observes. Publishing
// failures are logged; they never affect the deployment.
type Observer struct {
	publisher EventPublisher
	logger    *slog.Logger

	mu     sync.Mutex
	phases map[string]models.Phase
}

func NewObserver(publisher EventPublisher, logger *slog.Logger) *Observer {
	return &Observer{
		publisher: publisher,
		logger:    logger.With("module", "event-observer"),
		phases:    map[string]models.Phase{},
	}
}

func (o *Observer) OnStateChange(ctx context.Context, snapshot *models.DeploymentState, cmd deployment.Command) {
	o.mu.Lock()
	previous, ok := o.phases[snapshot.DeploymentID]
	if !ok {
		previous = models.PhaseUninitialized
	}
	o.phases[snapshot.DeploymentID] = snapshot.Phase
	o.mu.Unlock()

	for _, event := range events.FromCommand(snapshot, previous, cmd) {
		if err := o.publisher.Publish(ctx, snapshot.DeploymentID, event); err != nil {
			o.logger.ErrorContext(ctx, "Failed to publish event",
				"deploymentId", snapshot.DeploymentID, "eventType", event.GetType(), "error", err)
		}
	}
}

var _ deployment.Observer = (*Observer)(nil)
