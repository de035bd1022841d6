// Package persistence provides the append-only deployment journal and its storage backends.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Entry is one journaled command. Seq starts at 1 and increases by one per entry of a deployment.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Journal is the ordered command log of one deployment id.
type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Read(ctx context.Context) ([]Entry, error)
	// Reset truncates the journal.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// Store opens journals by deployment id.
type Store interface {
	Journal(ctx context.Context, deploymentID string) (Journal, error)
	Deployments(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ValidateDeploymentID rejects ids that are empty or unsafe as file names and keys.
func ValidateDeploymentID(deploymentID string) error {
	if deploymentID == "" {
		return NewJournalError("Validate", deploymentID, ErrInvalidDeploymentID)
	}

	if strings.Contains(deploymentID, "..") || strings.ContainsAny(deploymentID, `/\:`) {
		return NewJournalError("Validate", deploymentID, ErrInvalidDeploymentID)
	}

	return nil
}

// CheckNext verifies entry continues a journal whose last sequence number is last.
func CheckNext(deploymentID string, last uint64, entry Entry) error {
	if entry.Seq != last+1 {
		return NewJournalError("Record", deploymentID,
			fmt.Errorf("%w: expected %d, got %d", ErrJournalSequenceGap, last+1, entry.Seq))
	}

	return nil
}

// CheckSequence verifies entries are numbered 1..n without gaps.
func CheckSequence(deploymentID string, entries []Entry) error {
	for i, entry := range entries {
		if entry.Seq != uint64(i)+1 {
			return NewJournalError("Read", deploymentID,
				fmt.Errorf("%w: expected %d, got %d", ErrJournalSequenceGap, i+1, entry.Seq))
		}
	}

	return nil
}

var errNilEntry = errors.New("entry has no type")

// ValidateEntry rejects entries missing a command type.
func ValidateEntry(deploymentID string, entry Entry) error {
	if entry.Type == "" {
		return NewJournalError("Record", deploymentID, fmt.Errorf("%w: %w", ErrJournalCorrupted, errNilEntry))
	}

	return nil
}
