// Package journaltest holds the behaviour every journal store must share.
package journaltest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/dukex/keel/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Entry builds a test entry.
func Entry(seq uint64, commandType string) persistence.Entry {
	return persistence.Entry{
		Seq:       seq,
		Type:      commandType,
		Timestamp: time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC),
		Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
	}
}

// Run exercises store against the journal contract.
func Run(t *testing.T, store persistence.Store) {
	t.Helper()

	ctx := context.Background()

	t.Run("record and read in order", func(t *testing.T) {
		journal, err := store.Journal(ctx, "ordered")
		require.NoError(t, err)

		for seq := uint64(1); seq <= 5; seq++ {
			require.NoError(t, journal.Record(ctx, Entry(seq, "EXECUTION_SET_BATCH")))
		}

		entries, err := journal.Read(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 5)

		for i, entry := range entries {
			assert.Equal(t, uint64(i+1), entry.Seq)
			assert.Equal(t, "EXECUTION_SET_BATCH", entry.Type)
			assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i+1), string(entry.Payload))
			assert.True(t, entry.Timestamp.Equal(Entry(uint64(i+1), "").Timestamp))
		}
	})

	t.Run("rejects sequence gaps", func(t *testing.T) {
		journal, err := store.Journal(ctx, "gappy")
		require.NoError(t, err)

		require.NoError(t, journal.Record(ctx, Entry(1, "A")))

		err = journal.Record(ctx, Entry(3, "A"))
		require.Error(t, err)
		assert.True(t, persistence.IsSequenceGap(err))

		err = journal.Record(ctx, Entry(1, "A"))
		require.Error(t, err)
		assert.True(t, persistence.IsSequenceGap(err))
	})

	t.Run("reopened journal continues", func(t *testing.T) {
		first, err := store.Journal(ctx, "reopened")
		require.NoError(t, err)
		require.NoError(t, first.Record(ctx, Entry(1, "A")))
		require.NoError(t, first.Close(ctx))

		second, err := store.Journal(ctx, "reopened")
		require.NoError(t, err)
		require.NoError(t, second.Record(ctx, Entry(2, "B")))

		entries, err := second.Read(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("journals are isolated and reset truncates", func(t *testing.T) {
		a, err := store.Journal(ctx, "isolated-a")
		require.NoError(t, err)
		b, err := store.Journal(ctx, "isolated-b")
		require.NoError(t, err)

		require.NoError(t, a.Record(ctx, Entry(1, "A")))
		require.NoError(t, b.Record(ctx, Entry(1, "B")))

		ids, err := store.Deployments(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, "isolated-a")
		assert.Contains(t, ids, "isolated-b")

		require.NoError(t, a.Reset(ctx))

		entries, err := a.Read(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)

		entries, err = b.Read(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		require.NoError(t, a.Record(ctx, Entry(1, "A")))
	})

	t.Run("unknown deployment reads empty", func(t *testing.T) {
		journal, err := store.Journal(ctx, "never-written")
		require.NoError(t, err)

		entries, err := journal.Read(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("rejects unsafe ids", func(t *testing.T) {
		_, err := store.Journal(ctx, "../escape")
		require.ErrorIs(t, err, persistence.ErrInvalidDeploymentID)

		_, err = store.Journal(ctx, "")
		require.ErrorIs(t, err, persistence.ErrInvalidDeploymentID)
	})
}
