// Package file provides a file-based journal store writing one newline-delimited JSON file per
// deployment.
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/keel/pkg/persistence"
)

const journalFile = "journal.ndjson"

// Store implements persistence.Store using the file system.
type Store struct {
	root string
}

// NewStore creates a store rooted at root. A file:// prefix is accepted.
func NewStore(root string) *Store {
	return &Store{root: strings.Replace(root, "file://", "", 1)}
}

func (s *Store) Journal(_ context.Context, deploymentID string) (persistence.Journal, error) {
	if err := persistence.ValidateDeploymentID(deploymentID); err != nil {
		return nil, err
	}

	return &Journal{deploymentID: deploymentID, dir: filepath.Join(s.root, deploymentID)}, nil
}

// Deployments lists deployment directories that hold a journal.
func (s *Store) Deployments(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read journal root: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), journalFile)); err == nil {
			ids = append(ids, entry.Name())
		}
	}

	slices.Sort(ids)

	return ids, nil
}

// HealthCheck checks the root directory exists.
func (s *Store) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}

// Journal appends entries to <root>/<deploymentID>/journal.ndjson.
type Journal struct {
	deploymentID string
	dir          string

	mu      sync.Mutex
	lastSeq *uint64
}

func (j *Journal) path() string {
	return filepath.Join(j.dir, journalFile)
}

func (j *Journal) Record(ctx context.Context, entry persistence.Entry) error {
	if err := persistence.ValidateEntry(j.deploymentID, entry); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.lastSeq == nil {
		contents, err := j.read()
		if err != nil {
			return err
		}

		if contents.torn {
			if err := os.Truncate(j.path(), contents.size); err != nil {
				return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to drop torn append: %w", err))
			}
		}

		last := uint64(len(contents.entries))
		j.lastSeq = &last
	}

	if err := persistence.CheckNext(j.deploymentID, *j.lastSeq, entry); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to marshal entry: %w", err))
	}

	err = os.MkdirAll(j.dir, 0750)
	if err != nil {
		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to create journal directory: %w", err))
	}

	file, err := os.OpenFile(j.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to open journal: %w", err))
	}

	_, err = file.Write(append(data, '\n'))
	if err == nil {
		err = file.Sync()
	}

	closeErr := file.Close()
	if err = errors.Join(err, closeErr); err != nil {
		// The next append re-reads the file and drops what this one left behind.
		j.lastSeq = nil

		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to write journal: %w", err))
	}

	*j.lastSeq = entry.Seq

	return nil
}

func (j *Journal) Read(_ context.Context) ([]persistence.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	contents, err := j.read()
	if err != nil {
		return nil, err
	}

	return contents.entries, nil
}

// contents is the acknowledged part of a journal file.
type contents struct {
	entries []persistence.Entry
	// size is the length of the newline-terminated prefix.
	size int64
	// torn reports bytes after the last newline, left by an append that never completed.
	torn bool
}

// read parses the journal. An append is acknowledged only once its trailing newline is synced, so
// bytes after the last newline are ignored rather than reported as corruption.
func (j *Journal) read() (contents, error) {
	data, err := os.ReadFile(j.path())
	if err != nil {
		if os.IsNotExist(err) {
			return contents{}, nil
		}

		return contents{}, persistence.NewJournalError("Read", j.deploymentID, fmt.Errorf("failed to read journal: %w", err))
	}

	complete := data[:bytes.LastIndexByte(data, '\n')+1]

	var entries []persistence.Entry

	scanner := bufio.NewScanner(bytes.NewReader(complete))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var entry persistence.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return contents{}, persistence.NewJournalError("Read", j.deploymentID,
				fmt.Errorf("%w: line %d: %v", persistence.ErrJournalCorrupted, line, err))
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return contents{}, persistence.NewJournalError("Read", j.deploymentID, fmt.Errorf("%w: %v", persistence.ErrJournalCorrupted, err))
	}

	if err := persistence.CheckSequence(j.deploymentID, entries); err != nil {
		return contents{}, err
	}

	return contents{entries: entries, size: int64(len(complete)), torn: len(complete) < len(data)}, nil
}

func (j *Journal) Reset(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := os.Remove(j.path())
	if err != nil && !os.IsNotExist(err) {
		return persistence.NewJournalError("Reset", j.deploymentID, fmt.Errorf("failed to remove journal: %w", err))
	}

	j.lastSeq = nil

	return nil
}

func (j *Journal) Close(_ context.Context) error {
	return nil
}
