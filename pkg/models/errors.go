package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Error categories. Typed errors below match these through errors.Is.
var (
	ErrValidation           = errors.New("validation error")
	ErrSimulation           = errors.New("simulation error")
	ErrExternalInterference = errors.New("external interference")
	ErrTimeout              = errors.New("timeout")
	ErrReconciliation       = errors.New("reconciliation error")
	ErrInvariant            = errors.New("invariant violation")

	// ErrFeeModelReverted is returned when a network moved from EIP-1559 back to legacy fees
	// between two sends of the same interaction.
	ErrFeeModelReverted = errors.New("network reverted from EIP-1559 to legacy fees")
)

// ValidationError lists the structural problems found before any network call, by future id.
// Problems of the module as a whole are keyed by "".
type ValidationError struct {
	Errors map[string][]string
}

func (e *ValidationError) Error() string {
	return "module is invalid: " + summarize(e.Errors, "module")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SimulationError is a decoded revert from a pre-flight call.
type SimulationError struct {
	FutureID string
	Reason   string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation of %s failed: %s", e.FutureID, e.Reason)
}

func (e *SimulationError) Is(target error) bool { return target == ErrSimulation }

// ExternalInterferenceError reports a transaction at an owned nonce that this engine did not send.
type ExternalInterferenceError struct {
	FutureID string
	Sender   common.Address
	Nonce    uint64
	Message  string
}

func (e *ExternalInterferenceError) Error() string {
	if e.FutureID == "" {
		return fmt.Sprintf("external interference on %s at nonce %d: %s", e.Sender.Hex(), e.Nonce, e.Message)
	}

	return fmt.Sprintf("external interference on %s (future %s, nonce %d): %s",
		e.Sender.Hex(), e.FutureID, e.Nonce, e.Message)
}

func (e *ExternalInterferenceError) Is(target error) bool { return target == ErrExternalInterference }

// TimeoutError reports an interaction that did not confirm within the fee bump ceiling.
type TimeoutError struct {
	FutureID      string
	InteractionID int
	Transactions  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("interaction %d of %s not confirmed after %d transactions",
		e.InteractionID, e.FutureID, e.Transactions)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ReconciliationError reports a chain identity mismatch or incompatible graph changes, by future id.
// Errors not attached to a future are keyed by "".
type ReconciliationError struct {
	Errors map[string][]string
}

func (e *ReconciliationError) Error() string {
	return "reconciliation failed: " + summarize(e.Errors, "deployment")
}

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

// InvariantError is an internal bug. It is always fatal and never retried.
type InvariantError struct {
	Message string
}

// NewInvariantError formats an InvariantError.
func NewInvariantError(format string, args ...any) *InvariantError {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Message
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	return errors.Is(err, ErrInvariant)
}

// IsExternalInterference reports whether err is an external interference error.
func IsExternalInterference(err error) bool {
	return errors.Is(err, ErrExternalInterference)
}

// IsTimeout reports whether err is a confirmation timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsSimulation reports whether err is a simulation failure.
func IsSimulation(err error) bool {
	return errors.Is(err, ErrSimulation)
}

// ErrorKindOf maps an error to the kind recorded on a FAILED future.
func ErrorKindOf(err error) ErrorKind {
	switch {
	case IsSimulation(err):
		return ErrorKindSimulation
	case IsTimeout(err):
		return ErrorKindTimeout
	case IsExternalInterference(err):
		return ErrorKindExternalInterference
	case IsInvariant(err):
		return ErrorKindInvariant
	default:
		return ErrorKindExecution
	}
}

// summarize renders errors by id in id order. The "" key is shown as whole.
func summarize(errs map[string][]string, whole string) string {
	parts := make([]string, 0, len(errs))

	for _, id := range slices.Sorted(maps.Keys(errs)) {
		name := id
		if name == "" {
			name = whole
		}

		parts = append(parts, fmt.Sprintf("%s: %s", name, strings.Join(errs[id], "; ")))
	}

	return strings.Join(parts, ", ")
}
