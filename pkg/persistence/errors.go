package persistence

import (
	"errors"
	"fmt"
)

// Standard journal error types that all implementations should use.
var (
	// ErrJournalClosed indicates an operation on a closed journal or store.
	ErrJournalClosed = errors.New("journal closed")

	// ErrJournalCorrupted indicates an entry that cannot be decoded.
	ErrJournalCorrupted = errors.New("journal corrupted")

	// ErrJournalSequenceGap indicates missing or out of order entries.
	ErrJournalSequenceGap = errors.New("journal sequence gap")

	// ErrDeploymentNotFound indicates no journal exists for the deployment id.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrInvalidDeploymentID indicates an unsafe or empty deployment id.
	ErrInvalidDeploymentID = errors.New("invalid deployment id")

	// ErrUnsupportedStore indicates an unknown journal URL scheme.
	ErrUnsupportedStore = errors.New("unsupported journal store")
)

// JournalError wraps journal errors with the operation and deployment.
type JournalError struct {
	Op           string // Operation being performed (e.g., "Record", "Read", "Reset")
	DeploymentID string
	Err          error
}

func (e *JournalError) Error() string {
	return fmt.Sprintf("%s operation failed for deployment %s: %v", e.Op, e.DeploymentID, e.Err)
}

func (e *JournalError) Unwrap() error {
	return e.Err
}

func (e *JournalError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewJournalError creates a new journal error with context.
func NewJournalError(op, deploymentID string, err error) *JournalError {
	return &JournalError{Op: op, DeploymentID: deploymentID, Err: err}
}

// IsSequenceGap checks if an error indicates a broken journal sequence.
func IsSequenceGap(err error) bool {
	return errors.Is(err, ErrJournalSequenceGap)
}

// IsCorrupted checks if an error indicates an undecodable journal.
func IsCorrupted(err error) bool {
	return errors.Is(err, ErrJournalCorrupted)
}
