//go:build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/keel/pkg/eventbus"
	"github.com/dukex/keel/pkg/events"
	"github.com/dukex/keel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestCreateChannel_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("keel-test"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	pub, sub, err := CreateChannel(watermill.NopLogger{}, brokers, "keel-test")
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, "keel.test.deployments")
	defer bus.Close()

	received := make(chan *events.PhaseChanged, 1)

	require.NoError(t, bus.Handle(events.PhaseChangedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.PhaseChanged)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "chain-31337", &events.PhaseChanged{
		BaseEvent: events.NewBaseEvent(events.PhaseChangedEvent, "chain-31337"),
		Phase:     models.PhaseComplete,
		Previous:  models.PhaseExecution,
		Run:       1,
	}))

	select {
	case event := <-received:
		assert.Equal(t, "chain-31337", event.DeploymentID)
		assert.Equal(t, models.PhaseComplete, event.Phase)
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}
}
