package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/keel/pkg/channels/gochannel"
	"github.com/dukex/keel/pkg/channels/kafka"
	"github.com/dukex/keel/pkg/eventbus"
)

// NewEventBus builds the deployment event bus. The "none" provider returns a nil bus.
func NewEventBus(provider, topic string, logger *slog.Logger) (eventbus.EventBus, error) {
	wlogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "none":
		return nil, nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create go channel pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, topic), nil
	case "kafka":
		brokers, err := kafka.Brokers()
		if err != nil {
			return nil, err
		}

		pub, sub, err := kafka.CreateChannel(wlogger, brokers, "keel")
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, topic), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}
}
