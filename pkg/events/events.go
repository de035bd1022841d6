// Package events defines the notifications published while a deployment changes state.
package events

import (
	"time"

	"github.com/dukex/keel/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic is the default topic deployment events are published on.
const Topic = "keel.deployments"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Deployment lifecycle events.
	PhaseChangedEvent     EventType = "deployment.phase_changed"
	ExecutionStartedEvent EventType = "deployment.execution_started"
	BatchStartedEvent     EventType = "deployment.batch_started"

	// Future events.
	FutureCompletedEvent EventType = "future.completed"
	FutureFailedEvent    EventType = "future.failed"
	FutureHeldEvent      EventType = "future.held"
	FutureResetEvent     EventType = "future.reset"

	// Network interaction events.
	TransactionSentEvent      EventType = "transaction.sent"
	TransactionConfirmedEvent EventType = "transaction.confirmed"
	InteractionDroppedEvent   EventType = "interaction.dropped"
	InteractionReplacedEvent  EventType = "interaction.replaced"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	DeploymentID string         `json:"deployment_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type PhaseChanged struct {
	BaseEvent

	Phase    models.Phase `json:"phase"`
	Previous models.Phase `json:"previous"`
	Run      int          `json:"run"`
	// Failure is set when the phase is failed-unexpectedly.
	Failure string              `json:"failure,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func (e PhaseChanged) GetType() EventType {
	return PhaseChangedEvent
}

type ExecutionStarted struct {
	BaseEvent

	ChainID uint64 `json:"chain_id"`
	Run     int    `json:"run"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type BatchStarted struct {
	BaseEvent

	Index   int      `json:"index"`
	Futures []string `json:"futures"`
}

func (e BatchStarted) GetType() EventType {
	return BatchStartedEvent
}

type FutureCompleted struct {
	BaseEvent

	FutureID string              `json:"future_id"`
	Result   *models.ResultValue `json:"result,omitempty"`
}

func (e FutureCompleted) GetType() EventType {
	return FutureCompletedEvent
}

type FutureFailed struct {
	BaseEvent

	FutureID string           `json:"future_id"`
	Error    models.NodeError `json:"error"`
}

func (e FutureFailed) GetType() EventType {
	return FutureFailedEvent
}

type FutureHeld struct {
	BaseEvent

	FutureID string          `json:"future_id"`
	Hold     models.HoldInfo `json:"hold"`
}

func (e FutureHeld) GetType() EventType {
	return FutureHeldEvent
}

// FutureReset reports futures returned to UNSTARTED by reconciliation or a wipe.
type FutureReset struct {
	BaseEvent

	FutureIDs []string `json:"future_ids"`
	Reason    string   `json:"reason,omitempty"`
}

func (e FutureReset) GetType() EventType {
	return FutureResetEvent
}

type TransactionSent struct {
	BaseEvent

	FutureID      string `json:"future_id"`
	InteractionID int    `json:"interaction_id"`
	Nonce         uint64 `json:"nonce"`
	TxHash        string `json:"tx_hash"`
}

func (e TransactionSent) GetType() EventType {
	return TransactionSentEvent
}

type TransactionConfirmed struct {
	BaseEvent

	FutureID      string `json:"future_id"`
	InteractionID int    `json:"interaction_id"`
	TxHash        string `json:"tx_hash"`
	BlockNumber   uint64 `json:"block_number"`
	Status        bool   `json:"status"`
}

func (e TransactionConfirmed) GetType() EventType {
	return TransactionConfirmedEvent
}

type InteractionDropped struct {
	BaseEvent

	FutureID      string `json:"future_id"`
	InteractionID int    `json:"interaction_id"`
}

func (e InteractionDropped) GetType() EventType {
	return InteractionDroppedEvent
}

type InteractionReplaced struct {
	BaseEvent

	FutureID      string `json:"future_id"`
	InteractionID int    `json:"interaction_id"`
}

func (e InteractionReplaced) GetType() EventType {
	return InteractionReplacedEvent
}

func NewBaseEvent(eventType EventType, deploymentID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		DeploymentID: deploymentID,
		Metadata:     make(map[string]any),
	}
}
