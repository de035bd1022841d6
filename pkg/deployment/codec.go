package deployment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/keel/pkg/persistence"
)

var decoders = map[CommandType]func() Command{
	CommandSetDetails:              func() Command { return &SetDetails{} },
	CommandStartValidation:         func() Command { return &StartValidation{} },
	CommandValidationFail:          func() Command { return &ValidationFail{} },
	CommandTransformComplete:       func() Command { return &TransformComplete{} },
	CommandExecutionStart:          func() Command { return &ExecutionStart{} },
	CommandExecutionSetBatch:       func() Command { return &ExecutionSetBatch{} },
	CommandExecutionSetNodeResult:  func() Command { return &ExecutionSetNodeResult{} },
	CommandNetworkInteractionStart: func() Command { return &NetworkInteractionStart{} },
	CommandTransactionSent:         func() Command { return &TransactionSent{} },
	CommandTransactionConfirmed:    func() Command { return &TransactionConfirmed{} },
	CommandInteractionDropped:      func() Command { return &InteractionDropped{} },
	CommandInteractionReplaced:     func() Command { return &InteractionReplaced{} },
	CommandNodeReset:               func() Command { return &NodeReset{} },
	CommandNodeWipe:                func() Command { return &NodeWipe{} },
	CommandReconciliationFailed:    func() Command { return &ReconciliationFailed{} },
	CommandUnexpectedFail:          func() Command { return &UnexpectedFail{} },
}

// Encode turns cmd into the journal entry with sequence number seq.
func Encode(seq uint64, at time.Time, cmd Command) (persistence.Entry, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return persistence.Entry{}, fmt.Errorf("failed to encode %s: %w", cmd.Type(), err)
	}

	return persistence.Entry{Seq: seq, Type: string(cmd.Type()), Timestamp: at.UTC(), Payload: payload}, nil
}

// Decode turns a journal entry back into a command value.
func Decode(entry persistence.Entry) (Command, error) {
	newCommand, ok := decoders[CommandType(entry.Type)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q at seq %d", persistence.ErrJournalCorrupted, entry.Type, entry.Seq)
	}

	target := newCommand()
	if err := json.Unmarshal(entry.Payload, target); err != nil {
		return nil, fmt.Errorf("%w: %s at seq %d: %v", persistence.ErrJournalCorrupted, entry.Type, entry.Seq, err)
	}

	return deref(target), nil
}

func deref(cmd Command) Command {
	switch c := cmd.(type) {
	case *SetDetails:
		return *c
	case *StartValidation:
		return *c
	case *ValidationFail:
		return *c
	case *TransformComplete:
		return *c
	case *ExecutionStart:
		return *c
	case *ExecutionSetBatch:
		return *c
	case *ExecutionSetNodeResult:
		return *c
	case *NetworkInteractionStart:
		return *c
	case *TransactionSent:
		return *c
	case *TransactionConfirmed:
		return *c
	case *InteractionDropped:
		return *c
	case *InteractionReplaced:
		return *c
	case *NodeReset:
		return *c
	case *NodeWipe:
		return *c
	case *ReconciliationFailed:
		return *c
	case *UnexpectedFail:
		return *c
	default:
		return cmd
	}
}
