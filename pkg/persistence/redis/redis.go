// Package redis provides a journal store on Redis Streams. Each deployment is one stream whose
// entry ids are 0-{seq}, so Redis itself rejects duplicate or out of order appends.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/keel/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const (
	streamPrefix   = "keel:journal:"
	deploymentsKey = "keel:deployments"
)

// Store implements persistence.Store on a Redis server.
type Store struct {
	client *goredis.Client
	logger *slog.Logger
}

// NewStore connects using a redis:// URL.
func NewStore(ctx context.Context, logger *slog.Logger, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{client: client, logger: logger.With("module", "redis_journal")}, nil
}

func (s *Store) Journal(_ context.Context, deploymentID string) (persistence.Journal, error) {
	if err := persistence.ValidateDeploymentID(deploymentID); err != nil {
		return nil, err
	}

	return &Journal{client: s.client, logger: s.logger, deploymentID: deploymentID}, nil
}

func (s *Store) Deployments(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, deploymentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	slices.Sort(ids)

	return ids, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close(_ context.Context) error {
	return s.client.Close()
}

// Journal is one deployment's stream.
type Journal struct {
	client       *goredis.Client
	logger       *slog.Logger
	deploymentID string
}

func (j *Journal) stream() string {
	return streamPrefix + j.deploymentID
}

// Record appends entry inside a WATCH transaction on the stream.
func (j *Journal) Record(ctx context.Context, entry persistence.Entry) error {
	if err := persistence.ValidateEntry(j.deploymentID, entry); err != nil {
		return err
	}

	stream := j.stream()

	err := j.client.Watch(ctx, func(tx *goredis.Tx) error {
		last, err := lastSeq(ctx, tx, stream)
		if err != nil {
			return err
		}

		if err := persistence.CheckNext(j.deploymentID, last, entry); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: stream,
				ID:     fmt.Sprintf("0-%d", entry.Seq),
				Values: map[string]any{
					"type":      entry.Type,
					"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
					"payload":   string(entry.Payload),
				},
			})
			pipe.SAdd(ctx, deploymentsKey, j.deploymentID)

			return nil
		})

		return err
	}, stream)

	if errors.Is(err, goredis.TxFailedErr) {
		return persistence.NewJournalError("Record", j.deploymentID,
			fmt.Errorf("%w: concurrent append of %d", persistence.ErrJournalSequenceGap, entry.Seq))
	}

	var journalErr *persistence.JournalError
	if errors.As(err, &journalErr) {
		return err
	}

	if err != nil {
		return persistence.NewJournalError("Record", j.deploymentID, err)
	}

	return nil
}

func lastSeq(ctx context.Context, tx *goredis.Tx, stream string) (uint64, error) {
	messages, err := tx.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream tail: %w", err)
	}

	if len(messages) == 0 {
		return 0, nil
	}

	return parseSeq(messages[0].ID)
}

func parseSeq(id string) (uint64, error) {
	var ms, seq uint64
	if _, err := fmt.Sscanf(id, "%d-%d", &ms, &seq); err != nil {
		return 0, fmt.Errorf("%w: stream id %s: %v", persistence.ErrJournalCorrupted, id, err)
	}

	return seq, nil
}

func (j *Journal) Read(ctx context.Context) ([]persistence.Entry, error) {
	messages, err := j.client.XRange(ctx, j.stream(), "-", "+").Result()
	if err != nil {
		return nil, persistence.NewJournalError("Read", j.deploymentID, fmt.Errorf("failed to read stream: %w", err))
	}

	entries := make([]persistence.Entry, 0, len(messages))

	for _, message := range messages {
		entry, err := decode(message)
		if err != nil {
			return nil, persistence.NewJournalError("Read", j.deploymentID, err)
		}

		entries = append(entries, entry)
	}

	if err := persistence.CheckSequence(j.deploymentID, entries); err != nil {
		return nil, err
	}

	return entries, nil
}

func decode(message goredis.XMessage) (persistence.Entry, error) {
	seq, err := parseSeq(message.ID)
	if err != nil {
		return persistence.Entry{}, err
	}

	field := func(name string) (string, error) {
		v, ok := message.Values[name].(string)
		if !ok {
			return "", fmt.Errorf("%w: stream id %s has no %s", persistence.ErrJournalCorrupted, message.ID, name)
		}

		return v, nil
	}

	commandType, err := field("type")
	if err != nil {
		return persistence.Entry{}, err
	}

	rawTimestamp, err := field("timestamp")
	if err != nil {
		return persistence.Entry{}, err
	}

	payload, err := field("payload")
	if err != nil {
		return persistence.Entry{}, err
	}

	timestamp, err := time.Parse(time.RFC3339Nano, rawTimestamp)
	if err != nil {
		return persistence.Entry{}, fmt.Errorf("%w: stream id %s: %v", persistence.ErrJournalCorrupted, message.ID, err)
	}

	return persistence.Entry{Seq: seq, Type: commandType, Timestamp: timestamp, Payload: []byte(payload)}, nil
}

func (j *Journal) Reset(ctx context.Context) error {
	_, err := j.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, j.stream())
		pipe.SRem(ctx, deploymentsKey, j.deploymentID)

		return nil
	})
	if err != nil {
		return persistence.NewJournalError("Reset", j.deploymentID, err)
	}

	j.logger.InfoContext(ctx, "Journal reset", "deploymentId", j.deploymentID)

	return nil
}

func (j *Journal) Close(_ context.Context) error {
	return nil
}
