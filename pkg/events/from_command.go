package events

import (
	"github.com/dukex/keel/pkg/deployment"
	"github.com/dukex/keel/pkg/models"
)

// Event is implemented by every event of this package.
type Event interface {
	GetType() EventType
}

// FromCommand describes what cmd changed in a deployment whose state after the change is snapshot.
// previous is the phase before the change. Commands without a notification of their own yield only
// the phase change, if any.
func FromCommand(snapshot *models.DeploymentState, previous models.Phase, cmd deployment.Command) []Event {
	id := snapshot.DeploymentID

	var out []Event

	switch c := cmd.(type) {
	case deployment.ExecutionStart:
		out = append(out, &ExecutionStarted{
			BaseEvent: NewBaseEvent(ExecutionStartedEvent, id),
			ChainID:   c.ChainID,
			Run:       snapshot.Run,
		})
	case deployment.ExecutionSetBatch:
		out = append(out, &BatchStarted{
			BaseEvent: NewBaseEvent(BatchStartedEvent, id),
			Index:     len(snapshot.PreviousBatches) + 1,
			Futures:   c.Batch,
		})
	case deployment.ExecutionSetNodeResult:
		out = append(out, nodeResult(id, c.Result))
	case deployment.TransactionSent:
		out = append(out, &TransactionSent{
			BaseEvent:     NewBaseEvent(TransactionSentEvent, id),
			FutureID:      c.FutureID,
			InteractionID: c.InteractionID,
			Nonce:         c.Nonce,
			TxHash:        c.Transaction.Hash.Hex(),
		})
	case deployment.TransactionConfirmed:
		out = append(out, &TransactionConfirmed{
			BaseEvent:     NewBaseEvent(TransactionConfirmedEvent, id),
			FutureID:      c.FutureID,
			InteractionID: c.InteractionID,
			TxHash:        c.Receipt.TxHash.Hex(),
			BlockNumber:   c.Receipt.BlockNumber,
			Status:        c.Receipt.Status,
		})
	case deployment.InteractionDropped:
		out = append(out, &InteractionDropped{
			BaseEvent:     NewBaseEvent(InteractionDroppedEvent, id),
			FutureID:      c.FutureID,
			InteractionID: c.InteractionID,
		})
	case deployment.InteractionReplaced:
		out = append(out, &InteractionReplaced{
			BaseEvent:     NewBaseEvent(InteractionReplacedEvent, id),
			FutureID:      c.FutureID,
			InteractionID: c.InteractionID,
		})
	case deployment.NodeReset:
		out = append(out, &FutureReset{
			BaseEvent: NewBaseEvent(FutureResetEvent, id),
			FutureIDs: c.FutureIDs,
			Reason:    c.Reason,
		})
	case deployment.NodeWipe:
		out = append(out, &FutureReset{
			BaseEvent: NewBaseEvent(FutureResetEvent, id),
			FutureIDs: []string{c.FutureID},
			Reason:    "wiped",
		})
	}

	if snapshot.Phase != previous {
		change := &PhaseChanged{
			BaseEvent: NewBaseEvent(PhaseChangedEvent, id),
			Phase:     snapshot.Phase,
			Previous:  previous,
			Run:       snapshot.Run,
			Failure:   snapshot.Failure,
		}

		switch snapshot.Phase {
		case models.PhaseValidationFailed:
			change.Errors = snapshot.ValidationErrors
		case models.PhaseReconciliationFailed:
			change.Errors = snapshot.ReconcileErrors
		}

		out = append(out, change)
	}

	return out
}

func nodeResult(deploymentID string, result models.NodeResult) Event {
	switch result.Status {
	case models.StatusFailed:
		event := &FutureFailed{BaseEvent: NewBaseEvent(FutureFailedEvent, deploymentID), FutureID: result.FutureID}
		if result.Error != nil {
			event.Error = *result.Error
		}

		return event
	case models.StatusHold:
		event := &FutureHeld{BaseEvent: NewBaseEvent(FutureHeldEvent, deploymentID), FutureID: result.FutureID}
		if result.Hold != nil {
			event.Hold = *result.Hold
		}

		return event
	default:
		return &FutureCompleted{
			BaseEvent: NewBaseEvent(FutureCompletedEvent, deploymentID),
			FutureID:  result.FutureID,
			Result:    result.Value,
		}
	}
}
