package execution

import (
	"math/big"
	"testing"

	"github.com/dukex/keel/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legacy(gp int64) models.Fees {
	return models.Fees{GasPrice: big.NewInt(gp)}
}

func eip1559(maxFee, tip int64) models.Fees {
	return models.Fees{MaxFeePerGas: big.NewInt(maxFee), MaxPriorityFeePerGas: big.NewInt(tip)}
}

func TestNextTransactionFees(t *testing.T) {
	tests := []struct {
		name        string
		recommended models.Fees
		previous    *models.Fees
		expected    models.Fees
	}{
		{
			name:        "first legacy transaction uses the recommendation",
			recommended: legacy(100),
			expected:    legacy(100),
		},
		{
			name:        "first 1559 transaction uses the recommendation",
			recommended: eip1559(200, 2),
			expected:    eip1559(200, 2),
		},
		{
			name:        "legacy bump is ten percent",
			recommended: legacy(100),
			previous:    &models.Fees{GasPrice: big.NewInt(100)},
			expected:    legacy(110),
		},
		{
			name:        "legacy bump rounds up",
			recommended: legacy(1),
			previous:    &models.Fees{GasPrice: big.NewInt(101)},
			expected:    legacy(112),
		},
		{
			name:        "higher recommendation wins over the bump",
			recommended: legacy(500),
			previous:    &models.Fees{GasPrice: big.NewInt(100)},
			expected:    legacy(500),
		},
		{
			name:        "1559 bump applies to both components",
			recommended: eip1559(100, 1),
			previous:    &models.Fees{MaxFeePerGas: big.NewInt(200), MaxPriorityFeePerGas: big.NewInt(10)},
			expected:    eip1559(220, 11),
		},
		{
			name:        "legacy previous on a 1559 network",
			recommended: eip1559(100, 1),
			previous:    &models.Fees{GasPrice: big.NewInt(150)},
			expected:    eip1559(165, 165),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fees, err := NextTransactionFees(tt.recommended, tt.previous)
			require.NoError(t, err)

			assert.Equal(t, tt.expected.IsEIP1559(), fees.IsEIP1559())
			assert.Equal(t, tt.expected.EffectiveGasPrice().String(), fees.EffectiveGasPrice().String())

			if tt.expected.IsEIP1559() {
				assert.Equal(t, tt.expected.MaxFeePerGas.String(), fees.MaxFeePerGas.String())
				assert.Equal(t, tt.expected.MaxPriorityFeePerGas.String(), fees.MaxPriorityFeePerGas.String())
			} else {
				assert.Equal(t, tt.expected.GasPrice.String(), fees.GasPrice.String())
			}
		})
	}
}

func TestNextTransactionFees_ClampsTipToMaxFee(t *testing.T) {
	fees, err := NextTransactionFees(eip1559(100, 1), &models.Fees{MaxFeePerGas: big.NewInt(10), MaxPriorityFeePerGas: big.NewInt(200)})
	require.NoError(t, err)

	assert.Equal(t, "220", fees.MaxPriorityFeePerGas.String())
	assert.Equal(t, "220", fees.MaxFeePerGas.String())
}

func TestNextTransactionFees_FeeModelReverted(t *testing.T) {
	_, err := NextTransactionFees(legacy(100), &models.Fees{MaxFeePerGas: big.NewInt(10), MaxPriorityFeePerGas: big.NewInt(1)})
	require.ErrorIs(t, err, models.ErrFeeModelReverted)
}

func TestNextTransactionFees_DoesNotAliasInputs(t *testing.T) {
	recommended := legacy(100)

	fees, err := NextTransactionFees(recommended, nil)
	require.NoError(t, err)

	fees.GasPrice.SetInt64(1)
	assert.Equal(t, "100", recommended.GasPrice.String())
}
