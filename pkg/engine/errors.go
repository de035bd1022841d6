package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/keel/pkg/persistence"
)

var (
	// ErrInvalidRequest indicates a malformed deploy, wipe or status request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDeploymentInProgress is returned when another operation holds the deployment.
	ErrDeploymentInProgress = errors.New("deployment is in progress")

	// ErrWipeRefused is returned when a future cannot be wiped in its current state.
	ErrWipeRefused = errors.New("wipe refused")

	// ErrUnknownFuture is returned when wiping a future the deployment does not track.
	ErrUnknownFuture = errors.New("unknown future")

	// ErrNoNetwork is returned by Deploy on a deployer built without a chain client.
	ErrNoNetwork = errors.New("no network client configured")

	// ErrDeploymentNotFound is returned for deployment ids without a journal.
	ErrDeploymentNotFound = persistence.ErrDeploymentNotFound
)

// Error wraps engine errors with the operation that failed.
type Error struct {
	Op           string
	DeploymentID string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.DeploymentID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newError(op, deploymentID string, err error) *Error {
	return &Error{Op: op, DeploymentID: deploymentID, Err: err}
}

// IsInvalidRequest reports whether err was caused by the request itself.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, persistence.ErrInvalidDeploymentID)
}

// IsNotFound reports whether err names a deployment or future that does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDeploymentNotFound) || errors.Is(err, ErrUnknownFuture)
}

// IsConflict reports whether err was caused by the deployment's current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDeploymentInProgress) || errors.Is(err, ErrWipeRefused)
}
