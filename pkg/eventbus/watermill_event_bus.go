package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/keel/pkg/events"
)

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

// NewWatermillEventBus publishes on topic, events.Topic when empty. sub may be nil for a
// publish-only bus.
func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, topic string) *WatermillEventBus {
	if topic == "" {
		topic = events.Topic
	}

	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		topic:         topic,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(eb.topic, msg)
}

// newEvent returns an empty event of eventType to decode into.
func newEvent(eventType events.EventType) (any, bool) {
	switch eventType {
	case events.PhaseChangedEvent:
		return &events.PhaseChanged{}, true
	case events.ExecutionStartedEvent:
		return &events.ExecutionStarted{}, true
	case events.BatchStartedEvent:
		return &events.BatchStarted{}, true
	case events.FutureCompletedEvent:
		return &events.FutureCompleted{}, true
	case events.FutureFailedEvent:
		return &events.FutureFailed{}, true
	case events.FutureHeldEvent:
		return &events.FutureHeld{}, true
	case events.FutureResetEvent:
		return &events.FutureReset{}, true
	case events.TransactionSentEvent:
		return &events.TransactionSent{}, true
	case events.TransactionConfirmedEvent:
		return &events.TransactionConfirmed{}, true
	case events.InteractionDroppedEvent:
		return &events.InteractionDropped{}, true
	case events.InteractionReplacedEvent:
		return &events.InteractionReplaced{}, true
	default:
		return nil, false
	}
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	if eb.subscriber == nil {
		return fmt.Errorf("event bus on %s is publish-only", eb.topic)
	}

	messages, err := eb.subscriber.Subscribe(ctx, eb.topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			eb.mu.RLock()
			handler, exists := eb.subscriptions[eventType]
			eb.mu.RUnlock()

			if !exists {
				msg.Ack()

				continue
			}

			event, known := newEvent(eventType)
			if !known {
				msg.Nack()

				continue
			}

			err := json.Unmarshal(msg.Payload, event)
			if err != nil {
				msg.Nack()

				continue
			}

			err = handler(ctx, event)
			if err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	if eb.subscriber == nil {
		return nil
	}

	return eb.subscriber.Close()
}

var _ EventBus = (*WatermillEventBus)(nil)
