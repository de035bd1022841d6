package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/keel/pkg/chain/rpc"
	"github.com/dukex/keel/pkg/config"
)

// NewChainClient dials the configured network and checks it serves the expected chain.
func NewChainClient(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*rpc.Client, error) {
	client, err := rpc.Dial(ctx, cfg.Network.RPCURL, cfg.Accounts.PrivateKeys, cfg.Network.RequestsPerSecond, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Network.ChainID == 0 {
		return client, nil
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()

		return nil, err
	}

	if chainID != cfg.Network.ChainID {
		client.Close()

		return nil, fmt.Errorf("network %s serves chain %d, configured for %d", cfg.Network.RPCURL, chainID, cfg.Network.ChainID)
	}

	return client, nil
}
