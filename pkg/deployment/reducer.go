package deployment

import (
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/keel/pkg/models"
)

// Reduce applies cmd to a copy of state. It never mutates state and returns an InvariantError when
// cmd is not legal in the current state.
func Reduce(state *models.DeploymentState, cmd Command) (*models.DeploymentState, error) {
	next := state.Clone()

	var err error

	switch c := cmd.(type) {
	case SetDetails:
		next.Details = c.Details
		next.Details.Accounts = slices.Clone(c.Details.Accounts)
	case StartValidation:
		next.Phase = models.PhaseValidating
		next.ValidationErrors = nil
		next.ReconcileErrors = nil
	case ValidationFail:
		next.Phase = models.PhaseValidationFailed
		next.ValidationErrors = cloneErrors(c.Errors)
	case TransformComplete:
		err = reduceTransformComplete(next, c)
	case ExecutionStart:
		err = reduceExecutionStart(next, c)
	case ExecutionSetBatch:
		err = reduceSetBatch(next, c)
	case ExecutionSetNodeResult:
		err = reduceSetNodeResult(next, c)
	case NetworkInteractionStart:
		err = reduceInteractionStart(next, c)
	case TransactionSent:
		err = reduceTransactionSent(next, c)
	case TransactionConfirmed:
		err = reduceInteraction(next, c.FutureID, c.InteractionID, func(interaction *models.NetworkInteraction) error {
			if !interaction.HasTransaction(c.Receipt.TxHash) {
				return models.NewInvariantError("receipt %s does not belong to interaction %d of %s",
					c.Receipt.TxHash, c.InteractionID, c.FutureID)
			}

			receipt := c.Receipt
			receipt.Logs = slices.Clone(c.Receipt.Logs)
			interaction.Receipt = &receipt
			interaction.State = models.InteractionConfirmed

			return nil
		})
	case InteractionDropped:
		err = reduceInteraction(next, c.FutureID, c.InteractionID, func(interaction *models.NetworkInteraction) error {
			interaction.State = models.InteractionDropped

			return nil
		})
	case InteractionReplaced:
		err = reduceInteraction(next, c.FutureID, c.InteractionID, func(interaction *models.NetworkInteraction) error {
			interaction.State = models.InteractionReplacedByUser

			return nil
		})
	case NodeReset:
		err = reduceNodeReset(next, c)
	case NodeWipe:
		err = reduceNodeWipe(next, c)
	case ReconciliationFailed:
		next.Phase = models.PhaseReconciliationFailed
		next.ReconcileErrors = cloneErrors(c.Errors)
	case UnexpectedFail:
		next.Phase = models.PhaseFailedUnexpectedly
		next.Failure = c.Message
	default:
		err = models.NewInvariantError("unknown command %T", cmd)
	}

	if err != nil {
		return nil, err
	}

	return next, nil
}

// reduceTransformComplete accepts any phase: a run that crashed mid-execution is transformed again by
// the next deploy, and validation commands are not journaled.
func reduceTransformComplete(state *models.DeploymentState, c TransformComplete) error {
	for id := range state.Nodes {
		if _, ok := c.Nodes[id]; !ok {
			delete(state.Nodes, id)
		}
	}

	for id, def := range c.Nodes {
		node, ok := state.Nodes[id]
		if !ok {
			node = &models.NodeState{ID: id, Status: models.StatusUnstarted}
			state.Nodes[id] = node
		}

		node.Type = def.Type
		node.Fingerprint = def.Fingerprint
		node.Dependencies = slices.Clone(def.Dependencies)
	}

	state.GraphHash = c.GraphHash
	state.Phase = models.PhaseTransform

	return nil
}

func reduceExecutionStart(state *models.DeploymentState, c ExecutionStart) error {
	if state.Phase != models.PhaseTransform {
		return models.NewInvariantError("cannot start execution from phase %s", state.Phase)
	}

	if state.ChainID != 0 && state.ChainID != c.ChainID {
		return models.NewInvariantError("deployment is bound to chain %d, not %d", state.ChainID, c.ChainID)
	}

	state.Run++
	state.ChainID = c.ChainID
	state.Phase = models.PhaseExecution
	state.Failure = ""

	// A crash left these mid-batch; their interactions survive so the run can resume them.
	for _, node := range state.Nodes {
		if node.Status == models.StatusRunning {
			node.Status = models.StatusUnstarted
		}
	}

	if len(state.NodesWithStatus(models.StatusUnstarted, models.StatusHold)) == 0 {
		state.Phase = derivePhase(state)
	}

	pushBatch(state)

	return nil
}

func reduceSetBatch(state *models.DeploymentState, c ExecutionSetBatch) error {
	if state.Phase != models.PhaseExecution {
		return models.NewInvariantError("cannot set a batch in phase %s", state.Phase)
	}

	if len(c.Batch) == 0 {
		return models.NewInvariantError("batch is empty")
	}

	for _, id := range c.Batch {
		node, ok := state.Nodes[id]
		if !ok {
			return models.NewInvariantError("batch names unknown future %s", id)
		}

		if node.Status != models.StatusUnstarted && node.Status != models.StatusHold {
			return models.NewInvariantError("future %s is %s and cannot be batched", id, node.Status)
		}
	}

	pushBatch(state)

	for _, id := range c.Batch {
		node := state.Nodes[id]
		node.Status = models.StatusRunning
		node.Hold = nil
		node.Error = nil
	}

	state.Batch = slices.Clone(c.Batch)

	return nil
}

func pushBatch(state *models.DeploymentState) {
	if len(state.Batch) == 0 {
		return
	}

	state.PreviousBatches = append(state.PreviousBatches, state.Batch)
	state.Batch = nil
}

func reduceSetNodeResult(state *models.DeploymentState, c ExecutionSetNodeResult) error {
	result := c.Result

	node, err := runningNode(state, result.FutureID)
	if err != nil {
		return err
	}

	switch result.Status {
	case models.StatusCompleted:
		if result.Value == nil {
			return models.NewInvariantError("completed result of %s has no value", result.FutureID)
		}

		node.Result = result.Value.Clone()
		node.Error = nil
		node.Hold = nil
	case models.StatusFailed:
		if result.Error == nil {
			return models.NewInvariantError("failed result of %s has no error", result.FutureID)
		}

		nodeErr := *result.Error
		node.Error = &nodeErr
		node.Result = nil
		node.Hold = nil
	case models.StatusHold:
		if result.Hold == nil {
			return models.NewInvariantError("hold result of %s has no hold", result.FutureID)
		}

		hold := *result.Hold
		node.Hold = &hold
		node.Result = nil
		node.Error = nil
	default:
		return models.NewInvariantError("result of %s has non-terminal status %s", result.FutureID, result.Status)
	}

	node.Status = result.Status
	state.Phase = derivePhase(state)

	return nil
}

// derivePhase computes the execution phase from the node statuses. Any failure wins over a hold,
// and the deployment completes once nothing is left to run.
func derivePhase(state *models.DeploymentState) models.Phase {
	var hold, pending bool

	for _, node := range state.Nodes {
		switch node.Status {
		case models.StatusFailed:
			return models.PhaseFailed
		case models.StatusHold:
			hold = true
		case models.StatusUnstarted, models.StatusRunning:
			pending = true
		case models.StatusCompleted:
		}
	}

	switch {
	case hold:
		return models.PhaseHold
	case !pending:
		return models.PhaseComplete
	default:
		return models.PhaseExecution
	}
}

func reduceInteractionStart(state *models.DeploymentState, c NetworkInteractionStart) error {
	node, err := runningNode(state, c.FutureID)
	if err != nil {
		return err
	}

	if node.Interaction != nil && node.Interaction.State != models.InteractionDropped {
		return models.NewInvariantError("%s already has interaction %d", c.FutureID, node.Interaction.ID)
	}

	interaction := c.Interaction.Clone()
	interaction.ID = state.NextInteraction
	interaction.FutureID = c.FutureID
	interaction.State = models.InteractionUnsent
	interaction.Transactions = nil
	interaction.Receipt = nil

	// A resend after a drop keeps the nonce it already used.
	if node.Interaction != nil && node.Interaction.Nonce != nil {
		if err := interaction.AssignNonce(*node.Interaction.Nonce); err != nil {
			return err
		}
	}

	node.Interaction = interaction
	state.NextInteraction++

	return nil
}

func reduceTransactionSent(state *models.DeploymentState, c TransactionSent) error {
	return reduceInteraction(state, c.FutureID, c.InteractionID, func(interaction *models.NetworkInteraction) error {
		if interaction.Receipt != nil {
			return models.NewInvariantError("interaction %d of %s is already confirmed", c.InteractionID, c.FutureID)
		}

		if interaction.HasTransaction(c.Transaction.Hash) {
			return models.NewInvariantError("transaction %s already recorded", c.Transaction.Hash)
		}

		if err := interaction.AssignNonce(c.Nonce); err != nil {
			return err
		}

		interaction.Transactions = append(interaction.Transactions, models.Transaction{
			Hash:   c.Transaction.Hash,
			Fees:   c.Transaction.Fees.Clone(),
			SentAt: c.Transaction.SentAt,
		})
		interaction.State = models.InteractionSent

		return nil
	})
}

func reduceInteraction(
	state *models.DeploymentState,
	futureID string,
	interactionID int,
	apply func(*models.NetworkInteraction) error,
) error {
	node, err := runningNode(state, futureID)
	if err != nil {
		return err
	}

	if node.Interaction == nil || node.Interaction.ID != interactionID {
		return models.NewInvariantError("%s has no interaction %d", futureID, interactionID)
	}

	return apply(node.Interaction)
}

func runningNode(state *models.DeploymentState, futureID string) (*models.NodeState, error) {
	node, ok := state.Nodes[futureID]
	if !ok {
		return nil, models.NewInvariantError("unknown future %s", futureID)
	}

	if node.Status != models.StatusRunning {
		return nil, models.NewInvariantError("future %s is %s, not RUNNING", futureID, node.Status)
	}

	return node, nil
}

func reduceNodeReset(state *models.DeploymentState, c NodeReset) error {
	if state.Phase == models.PhaseExecution {
		return models.NewInvariantError("cannot reset futures during execution")
	}

	for _, id := range c.FutureIDs {
		if _, ok := state.Nodes[id]; !ok {
			return models.NewInvariantError("cannot reset unknown future %s", id)
		}
	}

	for _, id := range c.FutureIDs {
		clearNode(state.Nodes[id])
	}

	return nil
}

func reduceNodeWipe(state *models.DeploymentState, c NodeWipe) error {
	node, ok := state.Nodes[c.FutureID]
	if !ok {
		return models.NewInvariantError("cannot wipe unknown future %s", c.FutureID)
	}

	for _, id := range slices.Sorted(maps.Keys(state.Nodes)) {
		dependent := state.Nodes[id]
		if dependent.Status != models.StatusUnstarted && slices.Contains(dependent.Dependencies, c.FutureID) {
			return models.NewInvariantError("cannot wipe %s: dependent %s is %s", c.FutureID, id, dependent.Status)
		}
	}

	clearNode(node)

	return nil
}

func clearNode(node *models.NodeState) {
	node.Status = models.StatusUnstarted
	node.Result = nil
	node.Error = nil
	node.Hold = nil
	node.Interaction = nil
}

func cloneErrors(errs map[string][]string) map[string][]string {
	if errs == nil {
		return nil
	}

	out := make(map[string][]string, len(errs))
	for id, messages := range errs {
		out[id] = slices.Clone(messages)
	}

	return out
}

// describe renders cmd for logs.
func describe(cmd Command) string {
	switch c := cmd.(type) {
	case ExecutionSetBatch:
		return fmt.Sprintf("%s %v", c.Type(), c.Batch)
	case ExecutionSetNodeResult:
		return fmt.Sprintf("%s %s=%s", c.Type(), c.Result.FutureID, c.Result.Status)
	case TransactionSent:
		return fmt.Sprintf("%s %s #%d %s", c.Type(), c.FutureID, c.Nonce, c.Transaction.Hash)
	default:
		return string(cmd.Type())
	}
}
