package testutil

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNonceTooLow   = errors.New("nonce too low")
	ErrUnderpriced   = errors.New("replacement transaction underpriced")
	ErrUnknownSender = errors.New("unknown sender")
)

// Fate decides what the fake network does with a sent transaction.
type Fate int

const (
	// FateMine confirms the transaction in a new block.
	FateMine Fate = iota
	// FatePending leaves the transaction in the pool.
	FatePending
	// FateDrop removes the transaction from the pool as if it never existed.
	FateDrop
	// FateReplaceExternally mines a foreign transaction from the same sender at the same nonce.
	FateReplaceExternally
)

// SentTx is a transaction the fake ledger accepted.
type SentTx struct {
	Hash   common.Hash
	Params chain.TxParams
}

type ledgerTx struct {
	SentTx
	foreign bool
	dropped bool
	receipt *models.Receipt
}

// FakeLedger is an in-memory chain.Client. Hooks left nil keep the default behaviour: calls and
// estimations succeed, and transactions are mined immediately with a successful receipt. OnSend and
// OnExecute run under the ledger lock and must not call back into the ledger.
type FakeLedger struct {
	mu sync.Mutex

	chainID  uint64
	accounts []common.Address
	fees     models.Fees
	block    uint64
	mined    map[common.Address]uint64
	pool     map[common.Address]map[uint64]common.Hash
	txs      map[common.Hash]*ledgerTx
	sent     []SentTx
	counter  uint64
	balances map[common.Address]*big.Int

	// OnSend picks the fate of each sent transaction; index counts sends from 0.
	OnSend func(index int, tx SentTx) Fate
	// OnCall answers eth_call.
	OnCall func(params chain.TxParams, tag chain.BlockTag) chain.RawCallResult
	// OnEstimate answers eth_estimateGas.
	OnEstimate func(params chain.TxParams) (uint64, error)
	// OnExecute fills the receipt of a mined transaction.
	OnExecute func(tx SentTx) (status bool, logs []models.Log)
}

// NewFakeLedger returns a legacy-fee ledger with the given funded accounts.
func NewFakeLedger(chainID uint64, accounts ...common.Address) *FakeLedger {
	l := &FakeLedger{
		chainID:  chainID,
		accounts: accounts,
		fees:     models.Fees{GasPrice: big.NewInt(1_000_000_000)},
		mined:    map[common.Address]uint64{},
		pool:     map[common.Address]map[uint64]common.Hash{},
		txs:      map[common.Hash]*ledgerTx{},
		balances: map[common.Address]*big.Int{},
	}

	for _, account := range accounts {
		l.balances[account] = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	}

	return l
}

// Account builds a deterministic test address.
func Account(n byte) common.Address {
	return common.BytesToAddress([]byte{0xac, n})
}

// SetFees changes the recommended network fees.
func (l *FakeLedger) SetFees(fees models.Fees) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fees = fees.Clone()
}

// Sent returns every accepted transaction in send order.
func (l *FakeLedger) Sent() []SentTx {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]SentTx(nil), l.sent...)
}

// AddPending puts a foreign transaction in the pool of sender at its next nonce.
func (l *FakeLedger) AddPending(sender common.Address) common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()

	nonce := l.pendingNonce(sender)
	tx := &ledgerTx{SentTx: SentTx{Hash: l.nextHash(sender, nonce), Params: chain.TxParams{From: sender, Nonce: nonce}}, foreign: true}
	l.txs[tx.Hash] = tx
	l.addToPool(sender, nonce, tx.Hash)

	return tx.Hash
}

// Mine confirms a pending transaction.
func (l *FakeLedger) Mine(hash common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[hash]
	if !ok || tx.dropped || tx.receipt != nil {
		return fmt.Errorf("transaction %s is not pending", hash.Hex())
	}

	l.mine(tx)

	return nil
}

// AdvanceBlocks mines n empty blocks.
func (l *FakeLedger) AdvanceBlocks(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.block += n
}

func (l *FakeLedger) nextHash(sender common.Address, nonce uint64) common.Hash {
	l.counter++

	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, nonce)
	binary.BigEndian.PutUint64(buf[8:], l.counter)

	return crypto.Keccak256Hash(sender.Bytes(), buf)
}

// pendingNonce follows the pool from the mined nonce and stops at the first gap, like a node does.
func (l *FakeLedger) pendingNonce(sender common.Address) uint64 {
	next := l.mined[sender]
	for {
		if _, ok := l.pool[sender][next]; !ok {
			return next
		}

		next++
	}
}

func (l *FakeLedger) addToPool(sender common.Address, nonce uint64, hash common.Hash) {
	if l.pool[sender] == nil {
		l.pool[sender] = map[uint64]common.Hash{}
	}

	if previous, ok := l.pool[sender][nonce]; ok {
		l.txs[previous].dropped = true
	}

	l.pool[sender][nonce] = hash
}

func (l *FakeLedger) mine(tx *ledgerTx) {
	l.block++

	sender := tx.Params.From
	delete(l.pool[sender], tx.Params.Nonce)

	if tx.Params.Nonce+1 > l.mined[sender] {
		l.mined[sender] = tx.Params.Nonce + 1
	}

	receipt := &models.Receipt{TxHash: tx.Hash, BlockNumber: l.block, Status: true}

	if !tx.foreign && l.OnExecute != nil {
		receipt.Status, receipt.Logs = l.OnExecute(tx.SentTx)
	}

	if tx.Params.To == nil && !tx.foreign && receipt.Status {
		address := crypto.CreateAddress(sender, tx.Params.Nonce)
		receipt.ContractAddress = &address
	}

	tx.receipt = receipt
}

func (l *FakeLedger) ChainID(context.Context) (uint64, error) {
	return l.chainID, nil
}

func (l *FakeLedger) GetNonce(_ context.Context, address common.Address, tag chain.BlockTag) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tag == chain.BlockPending {
		return l.pendingNonce(address), nil
	}

	return l.mined[address], nil
}

func (l *FakeLedger) GetBalance(_ context.Context, address common.Address, _ chain.BlockTag) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if balance, ok := l.balances[address]; ok {
		return new(big.Int).Set(balance), nil
	}

	return new(big.Int), nil
}

func (l *FakeLedger) GetNetworkFees(context.Context) (models.Fees, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.fees.Clone(), nil
}

func (l *FakeLedger) EstimateGas(_ context.Context, params chain.TxParams) (uint64, error) {
	if l.OnEstimate != nil {
		return l.OnEstimate(params)
	}

	return 21_000 + uint64(len(params.Data))*16, nil
}

func (l *FakeLedger) Call(_ context.Context, params chain.TxParams, tag chain.BlockTag) (chain.RawCallResult, error) {
	if l.OnCall != nil {
		return l.OnCall(params, tag), nil
	}

	return chain.RawCallResult{Success: true}, nil
}

func (l *FakeLedger) SendTransaction(_ context.Context, params chain.TxParams) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.balances[params.From]; !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownSender, params.From.Hex())
	}

	if params.Nonce < l.mined[params.From] {
		return common.Hash{}, fmt.Errorf("%w: %d < %d", ErrNonceTooLow, params.Nonce, l.mined[params.From])
	}

	if previous, ok := l.pool[params.From][params.Nonce]; ok {
		old := l.txs[previous].Params.Fees.EffectiveGasPrice()
		if params.Fees.EffectiveGasPrice().Cmp(old) <= 0 {
			return common.Hash{}, ErrUnderpriced
		}
	}

	tx := &ledgerTx{SentTx: SentTx{Hash: l.nextHash(params.From, params.Nonce), Params: params}}
	tx.Params.Data = append([]byte(nil), params.Data...)
	tx.Params.Fees = params.Fees.Clone()

	index := len(l.sent)
	l.sent = append(l.sent, tx.SentTx)
	l.txs[tx.Hash] = tx

	fate := FateMine
	if l.OnSend != nil {
		fate = l.OnSend(index, tx.SentTx)
	}

	switch fate {
	case FateMine:
		l.addToPool(params.From, params.Nonce, tx.Hash)
		l.mine(tx)
	case FatePending:
		l.addToPool(params.From, params.Nonce, tx.Hash)
	case FateDrop:
		tx.dropped = true
	case FateReplaceExternally:
		tx.dropped = true
		foreign := &ledgerTx{
			SentTx:  SentTx{Hash: l.nextHash(params.From, params.Nonce), Params: chain.TxParams{From: params.From, Nonce: params.Nonce}},
			foreign: true,
		}
		l.txs[foreign.Hash] = foreign
		l.mine(foreign)
	}

	return tx.Hash, nil
}

func (l *FakeLedger) GetTransaction(_ context.Context, hash common.Hash) (*chain.NetworkTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[hash]
	if !ok || tx.dropped {
		return nil, nil
	}

	return &chain.NetworkTransaction{Hash: hash, From: tx.Params.From, Nonce: tx.Params.Nonce, Pending: tx.receipt == nil}, nil
}

func (l *FakeLedger) GetTransactionReceipt(_ context.Context, hash common.Hash) (*models.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[hash]
	if !ok || tx.receipt == nil {
		return nil, nil
	}

	receipt := *tx.receipt

	return &receipt, nil
}

func (l *FakeLedger) GetLatestBlock(context.Context) (chain.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return chain.Block{Number: l.block, Hash: common.BigToHash(new(big.Int).SetUint64(l.block))}, nil
}

func (l *FakeLedger) Accounts() []common.Address {
	return append([]common.Address(nil), l.accounts...)
}

var _ chain.Client = (*FakeLedger)(nil)
