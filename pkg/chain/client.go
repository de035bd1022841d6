// Package chain defines the ledger client the execution engine consumes.
package chain

import (
	"context"
	"math/big"

	"github.com/dukex/keel/pkg/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockTag selects the state a query runs against.
type BlockTag string

const (
	BlockLatest  BlockTag = "latest"
	BlockPending BlockTag = "pending"
)

// TxParams describes a call or a transaction. A nil To deploys a contract.
type TxParams struct {
	From  common.Address
	To    *common.Address
	Data  hexutil.Bytes
	Value *big.Int
	Nonce uint64
	Gas   uint64
	Fees  models.Fees
}

// RawCallResult is the outcome of an eth_call.
type RawCallResult struct {
	ReturnData []byte
	Success    bool
}

// Block is the subset of a block header the engine needs.
type Block struct {
	Number  uint64
	Hash    common.Hash
	BaseFee *big.Int
}

// NetworkTransaction is a transaction as known by the network.
type NetworkTransaction struct {
	Hash    common.Hash
	From    common.Address
	Nonce   uint64
	Pending bool
}

// Client is the abstract ledger. Implementations sign transactions for the accounts they manage.
type Client interface {
	ChainID(ctx context.Context) (uint64, error)
	GetNonce(ctx context.Context, address common.Address, tag BlockTag) (uint64, error)
	GetBalance(ctx context.Context, address common.Address, tag BlockTag) (*big.Int, error)
	GetNetworkFees(ctx context.Context) (models.Fees, error)
	EstimateGas(ctx context.Context, params TxParams) (uint64, error)
	Call(ctx context.Context, params TxParams, tag BlockTag) (RawCallResult, error)
	SendTransaction(ctx context.Context, params TxParams) (common.Hash, error)
	// GetTransaction returns nil when the network does not know hash.
	GetTransaction(ctx context.Context, hash common.Hash) (*NetworkTransaction, error)
	// GetTransactionReceipt returns nil while hash is unconfirmed.
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*models.Receipt, error)
	GetLatestBlock(ctx context.Context) (Block, error)
	Accounts() []common.Address
}
