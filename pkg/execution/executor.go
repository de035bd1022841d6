package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/keel/pkg/abiutil"
	"github.com/dukex/keel/pkg/artifacts"
	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/metrics"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/otelhelper"
	"github.com/dukex/keel/pkg/persistence"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FutureSource looks futures up by id.
type FutureSource interface {
	Future(id string) (*models.Future, bool)
}

// Executor runs one future to a terminal per-run result.
type Executor struct {
	futures   FutureSource
	recorder  Recorder
	lifecycle *Lifecycle
	client    chain.Client
	artifacts artifacts.Resolver
	strategy  Strategy
	accounts  []common.Address
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// ExecutorDeps groups the collaborators of an Executor.
type ExecutorDeps struct {
	Futures   FutureSource
	Recorder  Recorder
	Lifecycle *Lifecycle
	Client    chain.Client
	Artifacts artifacts.Resolver
	Strategy  Strategy
	Accounts  []common.Address
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func NewExecutor(deps ExecutorDeps) *Executor {
	strategy := deps.Strategy
	if strategy == nil {
		strategy = BasicStrategy{}
	}

	return &Executor{
		futures:   deps.Futures,
		recorder:  deps.Recorder,
		lifecycle: deps.Lifecycle,
		client:    deps.Client,
		artifacts: deps.Artifacts,
		strategy:  strategy,
		accounts:  deps.Accounts,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("module", "executor"),
		tracer:    otelhelper.Tracer("keel/execution"),
	}
}

// Dispatch executes future. Failures local to the future come back as a FAILED result; the error is
// reserved for conditions that must stop the whole run, such as invariant violations, journal
// failures and cancellation. External interference stops the run too, but its FAILED result is
// returned alongside the error so the caller can record it.
func (e *Executor) Dispatch(ctx context.Context, future *models.Future) (models.NodeResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "future.Dispatch",
		attribute.String(otelhelper.FutureIDKey, future.ID),
		attribute.String(otelhelper.FutureTypeKey, string(future.Type())),
	)
	defer span.End()

	result, err := e.dispatch(ctx, future)
	if err != nil {
		if isFatal(ctx, err) {
			otelhelper.SetError(span, err)

			return models.NodeResult{}, err
		}

		result = models.Failed(future.ID, errorKind(err), e.interactionID(future.ID), err.Error())

		if models.IsExternalInterference(err) {
			otelhelper.SetError(span, err)

			e.metrics.FutureResults.WithLabelValues(string(result.Status), string(future.Type())).Inc()
			e.metrics.FutureFailures.WithLabelValues(string(result.Error.Kind)).Inc()
			e.logger.ErrorContext(ctx, "External interference, stopping the run", "futureId", future.ID, "error", err)

			return result, err
		}
	}

	e.metrics.FutureResults.WithLabelValues(string(result.Status), string(future.Type())).Inc()

	switch result.Status {
	case models.StatusFailed:
		e.metrics.FutureFailures.WithLabelValues(string(result.Error.Kind)).Inc()
		e.logger.ErrorContext(ctx, "Future failed", "futureId", future.ID, "kind", result.Error.Kind, "error", result.Error.Message)
	case models.StatusHold:
		e.logger.InfoContext(ctx, "Future on hold", "futureId", future.ID, "reason", result.Hold.Reason)
	default:
		e.logger.InfoContext(ctx, "Future completed", "futureId", future.ID)
	}

	return result, nil
}

func isFatal(ctx context.Context, err error) bool {
	var journalErr *persistence.JournalError

	return models.IsInvariant(err) || errors.As(err, &journalErr) || ctx.Err() != nil
}

func errorKind(err error) models.ErrorKind {
	var reverted *revertError
	if errors.As(err, &reverted) {
		return models.ErrorKindRevert
	}

	return models.ErrorKindOf(err)
}

func (e *Executor) interactionID(futureID string) int {
	if interaction := e.recorder.Interaction(futureID); interaction != nil {
		return interaction.ID
	}

	return 0
}

func (e *Executor) dispatch(ctx context.Context, future *models.Future) (models.NodeResult, error) {
	decision, err := e.strategy.Decide(ctx, future)
	if err != nil {
		return models.NodeResult{}, fmt.Errorf("strategy %s: %w", e.strategy.Name(), err)
	}

	if decision.Hold {
		return models.Held(future.ID, decision.HoldID, decision.Reason), nil
	}

	switch payload := future.Payload.(type) {
	case models.DeployContract:
		return e.deployContract(ctx, future.ID, payload)
	case models.CallFunction:
		return e.callFunction(ctx, future.ID, payload)
	case models.StaticCall:
		return e.staticCall(ctx, future.ID, payload)
	case models.ContractAt:
		return e.contractAt(future.ID, payload)
	case models.SendData:
		return e.sendData(ctx, future.ID, payload)
	case models.ReadEventArgument:
		return e.readEventArgument(ctx, future.ID, payload)
	default:
		return models.NodeResult{}, models.NewInvariantError("future %s has unsupported payload %T", future.ID, future.Payload)
	}
}

func (e *Executor) deployContract(ctx context.Context, id string, p models.DeployContract) (models.NodeResult, error) {
	artifact, contract, err := e.loadArtifact(ctx, p.ContractName)
	if err != nil {
		return models.NodeResult{}, err
	}

	args, err := ResolveArguments(p.Args, e.recorder, e.accounts)
	if err != nil {
		return models.NodeResult{}, err
	}

	data, err := abiutil.EncodeDeploy(contract, artifact.Bytecode, args)
	if err != nil {
		return models.NodeResult{}, err
	}

	receipt, err := e.transact(ctx, id, p.From, nil, data, p.Value, &contract)
	if err != nil {
		return models.NodeResult{}, err
	}

	if receipt.ContractAddress == nil {
		return models.NodeResult{}, fmt.Errorf("deployment transaction %s has no contract address", receipt.TxHash.Hex())
	}

	return models.Completed(id, &models.ResultValue{
		Address: receipt.ContractAddress,
		TxHash:  &receipt.TxHash,
		Logs:    receipt.Logs,
	}), nil
}

func (e *Executor) callFunction(ctx context.Context, id string, p models.CallFunction) (models.NodeResult, error) {
	address, contract, err := e.contract(ctx, p.Contract)
	if err != nil {
		return models.NodeResult{}, err
	}

	args, err := ResolveArguments(p.Args, e.recorder, e.accounts)
	if err != nil {
		return models.NodeResult{}, err
	}

	data, err := abiutil.EncodeCall(contract, p.Function, args)
	if err != nil {
		return models.NodeResult{}, err
	}

	receipt, err := e.transact(ctx, id, p.From, &address, data, p.Value, &contract)
	if err != nil {
		return models.NodeResult{}, err
	}

	return models.Completed(id, &models.ResultValue{TxHash: &receipt.TxHash, Logs: receipt.Logs}), nil
}

func (e *Executor) staticCall(ctx context.Context, id string, p models.StaticCall) (models.NodeResult, error) {
	address, contract, err := e.contract(ctx, p.Contract)
	if err != nil {
		return models.NodeResult{}, err
	}

	args, err := ResolveArguments(p.Args, e.recorder, e.accounts)
	if err != nil {
		return models.NodeResult{}, err
	}

	data, err := abiutil.EncodeCall(contract, p.Function, args)
	if err != nil {
		return models.NodeResult{}, err
	}

	from, err := resolveSender(p.From, e.recorder, e.accounts)
	if err != nil {
		return models.NodeResult{}, err
	}

	result, err := e.client.Call(ctx, chain.TxParams{From: from, To: &address, Data: data}, chain.BlockLatest)
	if err != nil {
		return models.NodeResult{}, fmt.Errorf("failed to call %s: %w", p.Function, err)
	}

	if !result.Success {
		return models.NodeResult{}, &models.SimulationError{FutureID: id, Reason: abiutil.DecodeRevert(result.ReturnData, &contract)}
	}

	value, err := abiutil.DecodeOutput(contract, p.Function, result.ReturnData, p.NameOrIndex)
	if err != nil {
		return models.NodeResult{}, err
	}

	return models.Completed(id, &models.ResultValue{Value: value}), nil
}

func (e *Executor) contractAt(id string, p models.ContractAt) (models.NodeResult, error) {
	address, err := resolveAddress(p.Address, e.recorder, e.accounts)
	if err != nil {
		return models.NodeResult{}, err
	}

	return models.Completed(id, &models.ResultValue{Address: &address}), nil
}

func (e *Executor) sendData(ctx context.Context, id string, p models.SendData) (models.NodeResult, error) {
	to, err := resolveAddress(p.To, e.recorder, e.accounts)
	if err != nil {
		return models.NodeResult{}, err
	}

	var data []byte
	if p.Data != "" {
		data, err = hexutil.Decode(p.Data)
		if err != nil {
			return models.NodeResult{}, fmt.Errorf("invalid data: %w", err)
		}
	}

	receipt, err := e.transact(ctx, id, p.From, &to, data, p.Value, nil)
	if err != nil {
		return models.NodeResult{}, err
	}

	return models.Completed(id, &models.ResultValue{TxHash: &receipt.TxHash, Logs: receipt.Logs}), nil
}

func (e *Executor) readEventArgument(ctx context.Context, id string, p models.ReadEventArgument) (models.NodeResult, error) {
	emitted, err := e.recorder.Result(p.Emitter)
	if err != nil {
		return models.NodeResult{}, err
	}

	address, contract, err := e.contract(ctx, p.AbiContract())
	if err != nil {
		return models.NodeResult{}, err
	}

	value, err := abiutil.DecodeEventArgument(contract, p.EventName, emitted.Logs, &address, p.EventIndex, p.NameOrIndex)
	if err != nil {
		return models.NodeResult{}, err
	}

	return models.Completed(id, &models.ResultValue{Value: value}), nil
}

// transact resolves sender and value, then runs the interaction. A reverted receipt is a failure.
func (e *Executor) transact(
	ctx context.Context,
	id string,
	fromArg models.Argument,
	to *common.Address,
	data []byte,
	valueArg models.Argument,
	contract *abi.ABI,
) (*models.Receipt, error) {
	from, err := resolveSender(fromArg, e.recorder, e.accounts)
	if err != nil {
		return nil, err
	}

	value, err := resolveValue(valueArg, e.recorder, e.accounts)
	if err != nil {
		return nil, err
	}

	receipt, err := e.lifecycle.Execute(ctx, id, Request{From: from, To: to, Data: data, Value: value, ABI: contract})
	if err != nil {
		return nil, err
	}

	if !receipt.Status {
		return nil, &revertError{txHash: receipt.TxHash}
	}

	return receipt, nil
}

type revertError struct {
	txHash common.Hash
}

func (e *revertError) Error() string {
	return fmt.Sprintf("transaction %s reverted", e.txHash.Hex())
}

// contract returns the address and ABI of the contract produced by futureID. A call on the result of
// a CallFunction targets that call's contract.
func (e *Executor) contract(ctx context.Context, futureID string) (common.Address, abi.ABI, error) {
	future, ok := e.futures.Future(futureID)
	if !ok {
		return common.Address{}, abi.ABI{}, models.NewInvariantError("unknown contract future %s", futureID)
	}

	var contractName string

	switch p := future.Payload.(type) {
	case models.DeployContract:
		contractName = p.ContractName
	case models.ContractAt:
		contractName = p.ContractName
	case models.CallFunction:
		return e.contract(ctx, p.Contract)
	default:
		return common.Address{}, abi.ABI{}, models.NewInvariantError("future %s (%s) is not a contract", futureID, future.Type())
	}

	result, err := e.recorder.Result(futureID)
	if err != nil {
		return common.Address{}, abi.ABI{}, err
	}

	if result.Address == nil {
		return common.Address{}, abi.ABI{}, models.NewInvariantError("contract future %s has no address", futureID)
	}

	_, contract, err := e.loadArtifact(ctx, contractName)
	if err != nil {
		return common.Address{}, abi.ABI{}, err
	}

	return *result.Address, contract, nil
}

func (e *Executor) loadArtifact(ctx context.Context, name string) (*artifacts.Artifact, abi.ABI, error) {
	artifact, err := e.artifacts.Load(ctx, name)
	if err != nil {
		return nil, abi.ABI{}, fmt.Errorf("failed to load artifact %s: %w", name, err)
	}

	contract, err := artifact.ParsedABI()
	if err != nil {
		return nil, abi.ABI{}, fmt.Errorf("artifact %s: %w", name, err)
	}

	return artifact, contract, nil
}
