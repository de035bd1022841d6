// Package badger provides an embedded journal store on BadgerDB. Entries are keyed
// journal:{deploymentID}:{seq:016d} so a prefix scan returns them in order.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dukex/keel/pkg/otelhelper"
	"github.com/dukex/keel/pkg/persistence"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const keyPrefix = "journal:"

// Store implements persistence.Store on a BadgerDB directory.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// NewStore opens path, or an in-memory database when path is empty.
func NewStore(logger *slog.Logger, path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(true)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}

	logger = logger.With("module", "badger_journal")
	logger.Info("Journal store opened", "path", path)

	return &Store{db: db, logger: logger, tracer: otel.Tracer("keel/persistence/badger")}, nil
}

func (s *Store) Journal(_ context.Context, deploymentID string) (persistence.Journal, error) {
	if err := persistence.ValidateDeploymentID(deploymentID); err != nil {
		return nil, err
	}

	return &Journal{store: s, deploymentID: deploymentID}, nil
}

// Deployments scans keys only and returns each deployment id once.
func (s *Store) Deployments(_ context.Context) ([]string, error) {
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), keyPrefix)

			id, _, ok := strings.Cut(rest, ":")
			if ok && (len(ids) == 0 || ids[len(ids)-1] != id) {
				ids = append(ids, id)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	return ids, nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	if s.db.IsClosed() {
		return persistence.ErrJournalClosed
	}

	return nil
}

func (s *Store) Close(_ context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger: %w", err)
	}

	return nil
}

// Journal is one deployment's key range.
type Journal struct {
	store        *Store
	deploymentID string
}

func (j *Journal) prefix() []byte {
	return []byte(fmt.Sprintf("%s%s:", keyPrefix, j.deploymentID))
}

func (j *Journal) key(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016d", keyPrefix, j.deploymentID, seq))
}

// Record writes entry in a transaction that also checks its predecessor exists and its own key
// does not, so concurrent writers cannot interleave.
func (j *Journal) Record(ctx context.Context, entry persistence.Entry) error {
	if err := persistence.ValidateEntry(j.deploymentID, entry); err != nil {
		return err
	}

	_, span := otelhelper.StartSpan(ctx, j.store.tracer, "journal.Record",
		attribute.String(otelhelper.DeploymentIDKey, j.deploymentID),
		attribute.Int64(otelhelper.JournalSeqKey, int64(entry.Seq)),
		attribute.String(otelhelper.CommandTypeKey, entry.Type),
	)
	defer span.End()

	data, err := json.Marshal(entry)
	if err != nil {
		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to marshal entry: %w", err))
	}

	err = j.store.db.Update(func(txn *badger.Txn) error {
		if entry.Seq == 0 {
			return fmt.Errorf("%w: expected %d, got 0", persistence.ErrJournalSequenceGap, 1)
		}

		if entry.Seq > 1 {
			if _, err := txn.Get(j.key(entry.Seq - 1)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("%w: %d has no predecessor", persistence.ErrJournalSequenceGap, entry.Seq)
				}

				return err
			}
		}

		if _, err := txn.Get(j.key(entry.Seq)); err == nil {
			return fmt.Errorf("%w: %d already recorded", persistence.ErrJournalSequenceGap, entry.Seq)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if _, err := txn.Get(j.key(entry.Seq + 1)); err == nil {
			return fmt.Errorf("%w: %d is not the last entry", persistence.ErrJournalSequenceGap, entry.Seq)
		}

		return txn.Set(j.key(entry.Seq), data)
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return persistence.NewJournalError("Record", j.deploymentID, err)
	}

	j.store.logger.Debug("Entry recorded", "deploymentId", j.deploymentID, "seq", entry.Seq, "type", entry.Type)

	return nil
}

func (j *Journal) Read(ctx context.Context) ([]persistence.Entry, error) {
	_, span := otelhelper.StartSpan(ctx, j.store.tracer, "journal.Read",
		attribute.String(otelhelper.DeploymentIDKey, j.deploymentID),
	)
	defer span.End()

	var entries []persistence.Entry

	err := j.store.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := j.prefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var entry persistence.Entry

			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("%w: key %s: %v", persistence.ErrJournalCorrupted, it.Item().Key(), err)
			}

			entries = append(entries, entry)
		}

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, persistence.NewJournalError("Read", j.deploymentID, err)
	}

	if err := persistence.CheckSequence(j.deploymentID, entries); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.Int("keel.journal.entries", len(entries)))

	return entries, nil
}

func (j *Journal) Reset(_ context.Context) error {
	if err := j.store.db.DropPrefix(j.prefix()); err != nil {
		return persistence.NewJournalError("Reset", j.deploymentID, err)
	}

	j.store.logger.Info("Journal reset", "deploymentId", j.deploymentID)

	return nil
}

func (j *Journal) Close(_ context.Context) error {
	return nil
}
