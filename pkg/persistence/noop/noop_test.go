package noop_test

import (
	"context"
	"testing"

	"github.com/dukex/keel/pkg/persistence/journaltest"
	"github.com/dukex/keel/pkg/persistence/noop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalDiscards(t *testing.T) {
	ctx := context.Background()

	journal, err := noop.NewStore().Journal(ctx, "dry-run")
	require.NoError(t, err)

	require.NoError(t, journal.Record(ctx, journaltest.Entry(7, "A")))

	entries, err := journal.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
