package execution

import (
	"fmt"
	"math/big"

	"github.com/dukex/keel/pkg/abiutil"
	"github.com/dukex/keel/pkg/models"
	"github.com/ethereum/go-ethereum/common"
)

// ResultSource looks up the results of COMPLETED futures.
type ResultSource interface {
	Result(futureID string) (*models.ResultValue, error)
}

// ResolveArgument turns arg into a plain value. Future references resolve to the referenced
// future's address when it has one, its value otherwise. Referencing a future that is not COMPLETED
// is an invariant violation reported by results.
func ResolveArgument(arg models.Argument, results ResultSource, accounts []common.Address) (any, error) {
	switch arg.Kind {
	case "":
		return nil, nil
	case models.ArgumentLiteral:
		return arg.Value, nil
	case models.ArgumentFuture:
		result, err := results.Result(arg.FutureID)
		if err != nil {
			return nil, err
		}

		if result.Address != nil {
			return result.Address.Hex(), nil
		}

		return result.Value, nil
	case models.ArgumentAccount:
		if arg.Account < 0 || arg.Account >= len(accounts) {
			return nil, fmt.Errorf("account %d is not configured (%d available)", arg.Account, len(accounts))
		}

		return accounts[arg.Account].Hex(), nil
	case models.ArgumentArray:
		return ResolveArguments(arg.Items, results, accounts)
	default:
		return nil, models.NewInvariantError("unknown argument kind %q", arg.Kind)
	}
}

// ResolveArguments resolves every argument in order.
func ResolveArguments(args []models.Argument, results ResultSource, accounts []common.Address) ([]any, error) {
	values := make([]any, len(args))

	for i, arg := range args {
		value, err := ResolveArgument(arg, results, accounts)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}

		values[i] = value
	}

	return values, nil
}

// resolveSender returns the sender of a future; an unset argument means the first account.
func resolveSender(arg models.Argument, results ResultSource, accounts []common.Address) (common.Address, error) {
	if arg.IsZero() {
		if len(accounts) == 0 {
			return common.Address{}, fmt.Errorf("no accounts configured")
		}

		return accounts[0], nil
	}

	value, err := ResolveArgument(arg, results, accounts)
	if err != nil {
		return common.Address{}, err
	}

	return abiutil.ToAddress(value)
}

func resolveValue(arg models.Argument, results ResultSource, accounts []common.Address) (*big.Int, error) {
	if arg.IsZero() {
		return nil, nil
	}

	value, err := ResolveArgument(arg, results, accounts)
	if err != nil {
		return nil, err
	}

	return abiutil.ToBigInt(value)
}

func resolveAddress(arg models.Argument, results ResultSource, accounts []common.Address) (common.Address, error) {
	value, err := ResolveArgument(arg, results, accounts)
	if err != nil {
		return common.Address{}, err
	}

	return abiutil.ToAddress(value)
}
