// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/keel/pkg/persistence"
	"github.com/dukex/keel/pkg/persistence/badger"
	"github.com/dukex/keel/pkg/persistence/file"
	"github.com/dukex/keel/pkg/persistence/memory"
	"github.com/dukex/keel/pkg/persistence/noop"
	"github.com/dukex/keel/pkg/persistence/postgresql"
	"github.com/dukex/keel/pkg/persistence/redis"
)

// NewStore opens the journal store named by journalURL. URLs without a known scheme are file paths.
func NewStore(ctx context.Context, logger *slog.Logger, journalURL string) (persistence.Store, error) {
	provider, location := parseJournalProvider(journalURL)

	logger.InfoContext(ctx, "Opening journal store", "provider", provider)

	switch provider {
	case "badger":
		store, err := badger.NewStore(logger, location)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "postgres", "postgresql":
		store, err := postgresql.NewStore(ctx, logger, journalURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "redis", "rediss":
		store, err := redis.NewStore(ctx, logger, journalURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "memory":
		return memory.NewStore(), nil
	case "noop":
		return noop.NewStore(), nil
	case "file":
		if location == "" {
			return nil, fmt.Errorf("file journal needs a directory: %q", journalURL)
		}

		return file.NewStore(location), nil
	default:
		return nil, fmt.Errorf("unsupported journal provider %q", provider)
	}
}

// parseJournalProvider splits journalURL into its provider and the location after the scheme.
func parseJournalProvider(journalURL string) (string, string) {
	scheme, location, found := strings.Cut(journalURL, "://")
	if !found {
		return "file", journalURL
	}

	return scheme, location
}
