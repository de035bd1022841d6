package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dukex/keel/pkg/abiutil"
	"github.com/dukex/keel/pkg/artifacts"
	"github.com/dukex/keel/pkg/graph"
	"github.com/dukex/keel/pkg/models"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
)

// ModuleKey holds validation errors that concern the module as a whole.
const ModuleKey = ""

type validation struct {
	ctx      context.Context
	graph    *graph.Graph
	resolver artifacts.Resolver
	accounts int
	errs     map[string][]string
}

func (v *validation) add(id, format string, args ...any) {
	v.errs[id] = append(v.errs[id], fmt.Sprintf(format, args...))
}

func (v *validation) err() error {
	return &models.ValidationError{Errors: v.errs}
}

// Validate checks futures before any network call and builds their graph. Every problem found is
// reported through one *models.ValidationError. accounts is the number of sender accounts available.
func Validate(
	ctx context.Context,
	validate *validator.Validate,
	futures []*models.Future,
	dependencies map[string][]string,
	resolver artifacts.Resolver,
	accounts int,
) (*graph.Graph, error) {
	v := &validation{ctx: ctx, resolver: resolver, accounts: accounts, errs: map[string][]string{}}

	if len(futures) == 0 {
		v.add(ModuleKey, "module declares no futures")

		return nil, v.err()
	}

	for _, future := range futures {
		v.structure(validate, future)
	}

	if len(v.errs) > 0 {
		return nil, v.err()
	}

	g, err := graph.Build(futures, dependencies)
	if err != nil {
		v.add(ModuleKey, "%s", err)

		return nil, v.err()
	}

	v.graph = g

	for _, id := range g.TopologicalOrder() {
		future, _ := g.Future(id)
		v.future(future)
	}

	if len(v.errs) > 0 {
		return nil, v.err()
	}

	return g, nil
}

func (v *validation) structure(validate *validator.Validate, future *models.Future) {
	if future == nil {
		v.add(ModuleKey, "module declares an empty future")

		return
	}

	id := future.ID
	if id == "" {
		id = ModuleKey
	}

	v.fieldErrors(id, validate.Struct(future))

	if future.Payload != nil {
		v.fieldErrors(id, validate.Struct(future.Payload))
	}
}

func (v *validation) fieldErrors(id string, err error) {
	if err == nil {
		return
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.add(id, "%s", err)

		return
	}

	// Payload fields may be reported through the future and the payload alike.
	for _, fe := range fieldErrs {
		message := fmt.Sprintf("%s failed on the '%s' rule", fe.Field(), fe.Tag())
		if !slices.Contains(v.errs[id], message) {
			v.errs[id] = append(v.errs[id], message)
		}
	}
}

func (v *validation) future(future *models.Future) {
	id := future.ID

	switch p := future.Payload.(type) {
	case models.DeployContract:
		v.arguments(id, append(slices.Clone(p.Args), p.Value, p.From))

		contract, artifact, ok := v.artifact(id, p.ContractName)
		if !ok {
			return
		}

		if len(artifact.Bytecode) == 0 {
			v.add(id, "artifact %s has no bytecode", p.ContractName)
		}

		if want := len(contract.Constructor.Inputs); want != len(p.Args) {
			v.add(id, "constructor of %s expects %d arguments, got %d", p.ContractName, want, len(p.Args))
		}

		if !p.Value.IsZero() && !contract.Constructor.IsPayable() {
			v.add(id, "constructor of %s is not payable", p.ContractName)
		}
	case models.CallFunction:
		v.arguments(id, append(slices.Clone(p.Args), p.Value, p.From))

		method, ok := v.method(id, p.Contract, p.Function, len(p.Args))
		if ok && !p.Value.IsZero() && !method.IsPayable() {
			v.add(id, "function %s is not payable", p.Function)
		}
	case models.StaticCall:
		v.arguments(id, append(slices.Clone(p.Args), p.From))

		method, ok := v.method(id, p.Contract, p.Function, len(p.Args))
		if ok && len(method.Outputs) == 0 {
			v.add(id, "function %s returns nothing", p.Function)
		}
	case models.ContractAt:
		v.arguments(id, []models.Argument{p.Address})
		v.literalAddress(id, "address", p.Address)
		v.artifact(id, p.ContractName)
	case models.SendData:
		v.arguments(id, []models.Argument{p.To, p.Value, p.From})
		v.literalAddress(id, "to", p.To)
	case models.ReadEventArgument:
		if emitter, ok := v.graph.Future(p.Emitter); ok {
			switch emitter.Type() {
			case models.FutureTypeDeployContract, models.FutureTypeCallFunction, models.FutureTypeSendData:
			default:
				v.add(id, "emitter %s (%s) sends no transaction", p.Emitter, emitter.Type())
			}
		}

		name, ok := v.contractName(id, p.AbiContract())
		if !ok {
			return
		}

		if contract, _, ok := v.artifact(id, name); ok {
			if _, found := contract.Events[p.EventName]; !found {
				v.add(id, "contract %s has no event %s", name, p.EventName)
			}
		}
	default:
		v.add(id, "unsupported payload %T", future.Payload)
	}
}

func (v *validation) arguments(id string, args []models.Argument) {
	for _, arg := range args {
		switch arg.Kind {
		case models.ArgumentAccount:
			if arg.Account < 0 || arg.Account >= v.accounts {
				v.add(id, "account %d is not configured (%d available)", arg.Account, v.accounts)
			}
		case models.ArgumentArray:
			v.arguments(id, arg.Items)
		case "", models.ArgumentLiteral, models.ArgumentFuture:
		default:
			v.add(id, "unknown argument kind %q", arg.Kind)
		}
	}
}

func (v *validation) literalAddress(id, field string, arg models.Argument) {
	if arg.IsZero() {
		v.add(id, "%s is required", field)

		return
	}

	if arg.Kind != models.ArgumentLiteral {
		return
	}

	if s, ok := arg.Value.(string); !ok || !common.IsHexAddress(s) {
		v.add(id, "%s %v is not an address", field, arg.Value)
	}
}

// contractName follows calls back to the future that produced the contract.
func (v *validation) contractName(id, contractID string) (string, bool) {
	for range v.graph.Len() {
		future, ok := v.graph.Future(contractID)
		if !ok {
			v.add(id, "unknown contract future %s", contractID)

			return "", false
		}

		switch p := future.Payload.(type) {
		case models.DeployContract:
			return p.ContractName, true
		case models.ContractAt:
			return p.ContractName, true
		case models.CallFunction:
			contractID = p.Contract
		default:
			v.add(id, "future %s (%s) is not a contract", contractID, future.Type())

			return "", false
		}
	}

	v.add(id, "contract of %s cannot be resolved", id)

	return "", false
}

func (v *validation) method(id, contractID, function string, args int) (abi.Method, bool) {
	name, ok := v.contractName(id, contractID)
	if !ok {
		return abi.Method{}, false
	}

	contract, _, ok := v.artifact(id, name)
	if !ok {
		return abi.Method{}, false
	}

	method, err := abiutil.Method(contract, function)
	if err != nil {
		v.add(id, "contract %s: %s", name, err)

		return abi.Method{}, false
	}

	if len(method.Inputs) != args {
		v.add(id, "function %s expects %d arguments, got %d", method.Sig, len(method.Inputs), args)
	}

	return method, true
}

func (v *validation) artifact(id, contractName string) (abi.ABI, *artifacts.Artifact, bool) {
	artifact, err := v.resolver.Load(v.ctx, contractName)
	if err != nil {
		v.add(id, "%s", err)

		return abi.ABI{}, nil, false
	}

	contract, err := artifact.ParsedABI()
	if err != nil {
		v.add(id, "artifact %s: %s", contractName, err)

		return abi.ABI{}, nil, false
	}

	return contract, artifact, true
}
