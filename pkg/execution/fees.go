// Package execution drives the network interaction of each future: nonce allocation, fee policy,
// simulation, sending, confirmation monitoring and fee-bumping retries.
package execution

import (
	"math/big"

	"github.com/dukex/keel/pkg/models"
)

const (
	bumpNumerator   = 110
	bumpDenominator = 100
)

// NextTransactionFees returns the fees of the next transaction of an interaction. The first
// transaction uses the recommended fees; a resend pays at least 110% of the previous transaction for
// every fee component, rounded up, and never less than the current recommendation.
func NextTransactionFees(recommended models.Fees, previous *models.Fees) (models.Fees, error) {
	if previous == nil {
		return recommended.Clone(), nil
	}

	if !recommended.IsEIP1559() {
		if previous.IsEIP1559() {
			return models.Fees{}, models.ErrFeeModelReverted
		}

		return models.Fees{GasPrice: maxBig(recommended.GasPrice, bump(previous.GasPrice))}, nil
	}

	prevMaxFee, prevTip := previous.MaxFeePerGas, previous.MaxPriorityFeePerGas
	if !previous.IsEIP1559() {
		prevMaxFee, prevTip = previous.GasPrice, previous.GasPrice
	}

	fees := models.Fees{
		MaxFeePerGas:         maxBig(recommended.MaxFeePerGas, bump(prevMaxFee)),
		MaxPriorityFeePerGas: maxBig(recommended.MaxPriorityFeePerGas, bump(prevTip)),
	}

	if fees.MaxPriorityFeePerGas.Cmp(fees.MaxFeePerGas) > 0 {
		fees.MaxFeePerGas = new(big.Int).Set(fees.MaxPriorityFeePerGas)
	}

	return fees, nil
}

func bump(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}

	out := new(big.Int).Mul(v, big.NewInt(bumpNumerator))
	out.Add(out, big.NewInt(bumpDenominator-1))

	return out.Quo(out, big.NewInt(bumpDenominator))
}

func maxBig(a, b *big.Int) *big.Int {
	switch {
	case a == nil && b == nil:
		return new(big.Int)
	case a == nil:
		return new(big.Int).Set(b)
	case b == nil || a.Cmp(b) >= 0:
		return new(big.Int).Set(a)
	default:
		return new(big.Int).Set(b)
	}
}
