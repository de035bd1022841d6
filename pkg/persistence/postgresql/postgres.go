// Package postgresql provides a PostgreSQL journal store.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/keel/pkg/persistence"
	"github.com/dukex/keel/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Store implements persistence.Store on PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects to databaseURL and runs migrations.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgres_journal")

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: database, logger: logger}, nil
}

func (s *Store) Journal(_ context.Context, deploymentID string) (persistence.Journal, error) {
	if err := persistence.ValidateDeploymentID(deploymentID); err != nil {
		return nil, err
	}

	return &Journal{db: s.db, logger: s.logger, deploymentID: deploymentID}, nil
}

func (s *Store) Deployments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id FROM deployments d
		WHERE EXISTS (SELECT 1 FROM journal_entries j WHERE j.deployment_id = d.id)
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// Journal stores one deployment's entries in journal_entries.
type Journal struct {
	db           *sql.DB
	logger       *slog.Logger
	deploymentID string
}

// Record inserts entry after checking it follows the current last sequence number. The primary
// key rejects a concurrent writer that raced for the same number.
func (j *Journal) Record(ctx context.Context, entry persistence.Entry) error {
	if err := persistence.ValidateEntry(j.deploymentID, entry); err != nil {
		return err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() { _ = tx.Rollback() }()

	var last uint64

	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM journal_entries WHERE deployment_id = $1",
		j.deploymentID).Scan(&last)
	if err != nil {
		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to read last sequence: %w", err))
	}

	if err := persistence.CheckNext(j.deploymentID, last, entry); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployments (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()`, j.deploymentID)
	if err != nil {
		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to upsert deployment: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal_entries (deployment_id, seq, command_type, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		j.deploymentID, int64(entry.Seq), entry.Type, []byte(entry.Payload), entry.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewJournalError("Record", j.deploymentID,
				fmt.Errorf("%w: %d already recorded", persistence.ErrJournalSequenceGap, entry.Seq))
		}

		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to insert entry: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return persistence.NewJournalError("Record", j.deploymentID, fmt.Errorf("failed to commit entry: %w", err))
	}

	return nil
}

func (j *Journal) Read(ctx context.Context) ([]persistence.Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, command_type, payload, recorded_at
		FROM journal_entries
		WHERE deployment_id = $1
		ORDER BY seq`, j.deploymentID)
	if err != nil {
		return nil, persistence.NewJournalError("Read", j.deploymentID, fmt.Errorf("failed to query journal: %w", err))
	}
	defer rows.Close()

	var entries []persistence.Entry

	for rows.Next() {
		var (
			entry   persistence.Entry
			seq     int64
			payload []byte
		)

		if err := rows.Scan(&seq, &entry.Type, &payload, &entry.Timestamp); err != nil {
			return nil, persistence.NewJournalError("Read", j.deploymentID, fmt.Errorf("%w: %v", persistence.ErrJournalCorrupted, err))
		}

		entry.Seq = uint64(seq)
		entry.Payload = payload
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewJournalError("Read", j.deploymentID, err)
	}

	if err := persistence.CheckSequence(j.deploymentID, entries); err != nil {
		return nil, err
	}

	return entries, nil
}

func (j *Journal) Reset(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, "DELETE FROM journal_entries WHERE deployment_id = $1", j.deploymentID)
	if err != nil {
		return persistence.NewJournalError("Reset", j.deploymentID, fmt.Errorf("failed to delete journal: %w", err))
	}

	j.logger.InfoContext(ctx, "Journal reset", "deploymentId", j.deploymentID)

	return nil
}

func (j *Journal) Close(_ context.Context) error {
	return nil
}
