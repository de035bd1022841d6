package models

import (
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// InteractionState is the lifecycle position of a network interaction.
type InteractionState string

const (
	InteractionUnsent           InteractionState = "UNSENT"
	InteractionSimulating       InteractionState = "SIMULATING"
	InteractionSimulationFailed InteractionState = "SIMULATION_FAILED"
	InteractionEstimatingGas    InteractionState = "ESTIMATING_GAS"
	InteractionSent             InteractionState = "SENT"
	InteractionConfirmed        InteractionState = "CONFIRMED"
	InteractionDropped          InteractionState = "DROPPED"
	InteractionReplacedByUser   InteractionState = "REPLACED_BY_USER"
)

// Fees is the fee snapshot of one transaction. Legacy networks set GasPrice; EIP-1559 networks set
// MaxFeePerGas and MaxPriorityFeePerGas.
type Fees struct {
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
}

// IsEIP1559 reports whether the snapshot uses the max-fee/priority-fee model.
func (f Fees) IsEIP1559() bool {
	return f.MaxFeePerGas != nil
}

// EffectiveGasPrice is the highest price per gas the transaction may pay.
func (f Fees) EffectiveGasPrice() *big.Int {
	if f.IsEIP1559() {
		return new(big.Int).Set(f.MaxFeePerGas)
	}

	if f.GasPrice == nil {
		return new(big.Int)
	}

	return new(big.Int).Set(f.GasPrice)
}

// Clone returns a deep copy.
func (f Fees) Clone() Fees {
	return Fees{
		GasPrice:             cloneBig(f.GasPrice),
		MaxFeePerGas:         cloneBig(f.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(f.MaxPriorityFeePerGas),
	}
}

// Transaction is one signed transaction sent on behalf of an interaction.
type Transaction struct {
	Hash   common.Hash `json:"hash"`
	Fees   Fees        `json:"fees"`
	SentAt time.Time   `json:"sentAt"`
}

// Log is a receipt log entry.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// Receipt is the confirmed outcome of one of the interaction's transactions.
type Receipt struct {
	TxHash          common.Hash     `json:"txHash"`
	BlockNumber     uint64          `json:"blockNumber"`
	Status          bool            `json:"status"`
	ContractAddress *common.Address `json:"contractAddress,omitempty"`
	Logs            []Log           `json:"logs,omitempty"`
}

// NetworkInteraction is the simulate/estimate/send/confirm cycle backing one future.
type NetworkInteraction struct {
	ID           int              `json:"id"`
	FutureID     string           `json:"futureId"`
	From         common.Address   `json:"from"`
	To           *common.Address  `json:"to,omitempty"`
	Data         hexutil.Bytes    `json:"data,omitempty"`
	Value        *big.Int         `json:"value,omitempty"`
	Nonce        *uint64          `json:"nonce,omitempty"`
	State        InteractionState `json:"state"`
	Transactions []Transaction    `json:"transactions,omitempty"`
	Receipt      *Receipt         `json:"receipt,omitempty"`
}

// AssignNonce fixes the interaction nonce. A nonce can be assigned once; reassigning the same value
// is a no-op.
func (n *NetworkInteraction) AssignNonce(nonce uint64) error {
	if n.Nonce != nil {
		if *n.Nonce == nonce {
			return nil
		}

		return NewInvariantError("nonce of interaction %d for %s is already %d, refusing %d",
			n.ID, n.FutureID, *n.Nonce, nonce)
	}

	n.Nonce = &nonce

	return nil
}

// LastTransaction returns the most recently sent transaction, or nil.
func (n *NetworkInteraction) LastTransaction() *Transaction {
	if len(n.Transactions) == 0 {
		return nil
	}

	return &n.Transactions[len(n.Transactions)-1]
}

// HasTransaction reports whether hash belongs to this interaction.
func (n *NetworkInteraction) HasTransaction(hash common.Hash) bool {
	return slices.ContainsFunc(n.Transactions, func(tx Transaction) bool { return tx.Hash == hash })
}

// InFlight reports whether transactions were sent and no receipt has been recorded yet.
func (n *NetworkInteraction) InFlight() bool {
	return n.State == InteractionSent && n.Receipt == nil
}

// Clone returns a deep copy.
func (n *NetworkInteraction) Clone() *NetworkInteraction {
	if n == nil {
		return nil
	}

	out := *n
	out.Data = slices.Clone(n.Data)
	out.Value = cloneBig(n.Value)

	if n.To != nil {
		to := *n.To
		out.To = &to
	}

	if n.Nonce != nil {
		nonce := *n.Nonce
		out.Nonce = &nonce
	}

	if n.Transactions != nil {
		out.Transactions = make([]Transaction, len(n.Transactions))
		for i, tx := range n.Transactions {
			out.Transactions[i] = Transaction{Hash: tx.Hash, Fees: tx.Fees.Clone(), SentAt: tx.SentAt}
		}
	}

	if n.Receipt != nil {
		receipt := *n.Receipt
		receipt.Logs = slices.Clone(n.Receipt.Logs)
		out.Receipt = &receipt
	}

	return &out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}

	return new(big.Int).Set(v)
}
