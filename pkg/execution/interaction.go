package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/dukex/keel/pkg/abiutil"
	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/deployment"
	"github.com/dukex/keel/pkg/metrics"
	"github.com/dukex/keel/pkg/models"
	"github.com/dukex/keel/pkg/otelhelper"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxSimulationGas caps the gas of the diagnostic call made when estimation fails.
const maxSimulationGas = 30_000_000

// stateBumpAndResend is the transition taken from SENT when the confirmation wait times out. It is
// never journaled; the resend shows up as another TRANSACTION_SENT.
const stateBumpAndResend models.InteractionState = "BUMP_AND_RESEND"

// Recorder is the part of the deployment machine the execution layer reports into.
type Recorder interface {
	Apply(ctx context.Context, cmd deployment.Command) error
	Interaction(futureID string) *models.NetworkInteraction
	Result(futureID string) (*models.ResultValue, error)
}

// Config bounds the confirmation wait of each interaction.
type Config struct {
	RequiredConfirmations uint64        `mapstructure:"required_confirmations" validate:"gte=1"`
	TimeBeforeBumpingFees time.Duration `mapstructure:"time_before_bumping_fees" validate:"gt=0"`
	MaxFeeBumps           int           `mapstructure:"max_fee_bumps" validate:"gte=0"`
	PollInterval          time.Duration `mapstructure:"block_polling_interval" validate:"gt=0"`
}

// DefaultConfig suits a local development chain.
func DefaultConfig() Config {
	return Config{
		RequiredConfirmations: 1,
		TimeBeforeBumpingFees: 3 * time.Minute,
		MaxFeeBumps:           4,
		PollInterval:          time.Second,
	}
}

// Request is the transaction a future wants executed. ABI decodes custom revert errors and may be nil.
type Request struct {
	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int
	ABI   *abi.ABI
}

// Lifecycle drives network interactions from intent to a confirmed receipt.
type Lifecycle struct {
	client   chain.Client
	nonces   *NonceManager
	recorder Recorder
	config   Config
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewLifecycle(
	client chain.Client,
	nonces *NonceManager,
	recorder Recorder,
	config Config,
	clock clockwork.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Lifecycle {
	return &Lifecycle{
		client:   client,
		nonces:   nonces,
		recorder: recorder,
		config:   config,
		clock:    clock,
		metrics:  m,
		logger:   logger.With("module", "interaction"),
		tracer:   otelhelper.Tracer("keel/execution"),
	}
}

// interactionRun is the in-memory progress of one Execute call.
type interactionRun struct {
	futureID    string
	interaction *models.NetworkInteraction
	abi         *abi.ABI
	params      chain.TxParams
	reservation *Reservation
	estimateErr error
	sendKind    string
}

func (r *interactionRun) release() {
	if r.reservation != nil {
		r.reservation.Release()
		r.reservation = nil
	}
}

// Execute runs or resumes the interaction of futureID and returns its confirmed receipt. A receipt
// with a failed status is returned as is; the caller decides what a revert means.
func (l *Lifecycle) Execute(ctx context.Context, futureID string, req Request) (*models.Receipt, error) {
	ctx, span := otelhelper.StartSpan(ctx, l.tracer, "interaction.Execute",
		attribute.String(otelhelper.FutureIDKey, futureID),
		attribute.String(otelhelper.SenderKey, req.From.Hex()),
	)
	defer span.End()

	receipt, err := l.execute(ctx, futureID, req)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.TxHashKey, receipt.TxHash.Hex()))

	return receipt, nil
}

func (l *Lifecycle) execute(ctx context.Context, futureID string, req Request) (*models.Receipt, error) {
	interaction, err := l.startOrResume(ctx, futureID, req)
	if err != nil {
		return nil, err
	}

	run := &interactionRun{futureID: futureID, interaction: interaction, abi: req.ABI, sendKind: metrics.SendInitial}
	defer run.release()

	state := interaction.State
	if interaction.Receipt != nil {
		state = models.InteractionConfirmed
	}

	for {
		var next models.InteractionState

		switch state {
		case models.InteractionUnsent, models.InteractionDropped, stateBumpAndResend:
			next, err = l.prepare(ctx, run, state)
		case models.InteractionEstimatingGas:
			next, err = l.estimate(ctx, run)
		case models.InteractionSimulating:
			next, err = l.simulate(ctx, run)
		case models.InteractionSent:
			next, err = l.monitor(ctx, run)
		case models.InteractionConfirmed:
			return run.interaction.Receipt, nil
		case models.InteractionReplacedByUser:
			return nil, &models.ExternalInterferenceError{
				FutureID: futureID,
				Sender:   run.interaction.From,
				Nonce:    nonceOf(run.interaction),
				Message:  "a transaction not sent by this deployment was confirmed at the interaction nonce",
			}
		case models.InteractionSimulationFailed:
			return nil, models.NewInvariantError("simulation of %s failed without an error", futureID)
		default:
			return nil, models.NewInvariantError("interaction of %s is in unknown state %s", futureID, state)
		}

		if err != nil {
			return nil, err
		}

		state = next
	}
}

func (l *Lifecycle) startOrResume(ctx context.Context, futureID string, req Request) (*models.NetworkInteraction, error) {
	if interaction := l.recorder.Interaction(futureID); interaction != nil {
		l.logger.InfoContext(ctx, "Resuming interaction", "futureId", futureID,
			"interactionId", interaction.ID, "state", interaction.State, "transactions", len(interaction.Transactions))

		return interaction, nil
	}

	err := l.recorder.Apply(ctx, deployment.NetworkInteractionStart{
		FutureID: futureID,
		Interaction: models.NetworkInteraction{
			From:  req.From,
			To:    req.To,
			Data:  req.Data,
			Value: req.Value,
		},
	})
	if err != nil {
		return nil, err
	}

	interaction := l.recorder.Interaction(futureID)
	if interaction == nil {
		return nil, models.NewInvariantError("interaction of %s missing after start", futureID)
	}

	return interaction, nil
}

// prepare picks fees and the nonce of the next transaction.
func (l *Lifecycle) prepare(ctx context.Context, run *interactionRun, from models.InteractionState) (models.InteractionState, error) {
	interaction := run.interaction

	switch from {
	case stateBumpAndResend:
		run.sendKind = metrics.SendBump
	case models.InteractionDropped:
		run.sendKind = metrics.SendResend
	}

	if len(interaction.Transactions) > l.config.MaxFeeBumps {
		return "", &models.TimeoutError{
			FutureID:      run.futureID,
			InteractionID: interaction.ID,
			Transactions:  len(interaction.Transactions),
		}
	}

	recommended, err := l.client.GetNetworkFees(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read network fees: %w", err)
	}

	var previous *models.Fees
	if last := interaction.LastTransaction(); last != nil {
		previous = &last.Fees
	}

	fees, err := NextTransactionFees(recommended, previous)
	if err != nil {
		return "", fmt.Errorf("interaction %d of %s: %w", interaction.ID, run.futureID, err)
	}

	run.params = chain.TxParams{
		From:  interaction.From,
		To:    interaction.To,
		Data:  interaction.Data,
		Value: interaction.Value,
		Fees:  fees,
	}

	if interaction.Nonce != nil {
		run.params.Nonce = *interaction.Nonce
	} else {
		reservation, err := l.nonces.Reserve(ctx, run.futureID, interaction.From)
		if err != nil {
			return "", err
		}

		run.reservation = reservation
		run.params.Nonce = reservation.Nonce
	}

	return models.InteractionEstimatingGas, nil
}

func (l *Lifecycle) estimate(ctx context.Context, run *interactionRun) (models.InteractionState, error) {
	gas, err := l.client.EstimateGas(ctx, run.params)
	if err != nil {
		l.logger.DebugContext(ctx, "Gas estimation failed", "futureId", run.futureID, "error", err)

		run.estimateErr = err

		return models.InteractionSimulating, nil
	}

	run.params.Gas = gas
	run.estimateErr = nil

	return models.InteractionSimulating, nil
}

// simulate calls the transaction at the pending block. After a failed estimation the call only
// serves to obtain a revert reason, with as much gas as the sender can pay for.
func (l *Lifecycle) simulate(ctx context.Context, run *interactionRun) (models.InteractionState, error) {
	params := run.params

	if run.estimateErr != nil {
		gas, err := l.spareGas(ctx, params)
		if err != nil {
			return "", err
		}

		params.Gas = gas
	}

	result, err := l.client.Call(ctx, params, chain.BlockPending)
	if err != nil {
		return "", fmt.Errorf("failed to simulate %s: %w", run.futureID, err)
	}

	if !result.Success {
		run.release()

		return models.InteractionSimulationFailed, &models.SimulationError{
			FutureID: run.futureID,
			Reason:   abiutil.DecodeRevert(result.ReturnData, run.abi),
		}
	}

	if run.estimateErr != nil {
		run.release()

		return models.InteractionSimulationFailed, &models.SimulationError{
			FutureID: run.futureID,
			Reason:   "gas estimation failed: " + run.estimateErr.Error(),
		}
	}

	return l.send(ctx, run)
}

func (l *Lifecycle) spareGas(ctx context.Context, params chain.TxParams) (uint64, error) {
	balance, err := l.client.GetBalance(ctx, params.From, chain.BlockPending)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance of %s: %w", params.From, err)
	}

	spare := new(big.Int).Set(balance)
	if params.Value != nil {
		spare.Sub(spare, params.Value)
	}

	price := params.Fees.EffectiveGasPrice()
	if price.Sign() == 0 || spare.Sign() <= 0 {
		return maxSimulationGas, nil
	}

	gas := spare.Quo(spare, price)
	if !gas.IsUint64() || gas.Uint64() > maxSimulationGas {
		return maxSimulationGas, nil
	}

	return gas.Uint64(), nil
}

func (l *Lifecycle) send(ctx context.Context, run *interactionRun) (models.InteractionState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash, err := l.client.SendTransaction(ctx, run.params)
	if err != nil {
		return "", fmt.Errorf("failed to send transaction for %s: %w", run.futureID, err)
	}

	if run.reservation != nil {
		run.reservation.Commit()
		run.reservation = nil
	}

	tx := models.Transaction{Hash: hash, Fees: run.params.Fees.Clone(), SentAt: l.clock.Now().UTC()}

	err = l.recorder.Apply(ctx, deployment.TransactionSent{
		FutureID:      run.futureID,
		InteractionID: run.interaction.ID,
		Nonce:         run.params.Nonce,
		Transaction:   tx,
	})
	if err != nil {
		return "", err
	}

	l.metrics.TransactionsSent.WithLabelValues(run.sendKind).Inc()

	if run.sendKind == metrics.SendBump {
		l.metrics.FeeBumps.Inc()
	}

	run.interaction = l.recorder.Interaction(run.futureID)

	l.logger.InfoContext(ctx, "Transaction sent",
		"futureId", run.futureID,
		"interactionId", run.interaction.ID,
		"nonce", run.params.Nonce,
		"txHash", hash.Hex(),
		"gasPrice", tx.Fees.EffectiveGasPrice().String(),
		"kind", run.sendKind,
	)

	return models.InteractionSent, nil
}

// monitor polls until one of the interaction's transactions is confirmed, the nonce is taken by
// someone else, every transaction vanished from the network, or the confirmation wait timed out.
func (l *Lifecycle) monitor(ctx context.Context, run *interactionRun) (models.InteractionState, error) {
	interaction := run.interaction
	nonce := nonceOf(interaction)

	for {
		receipt, err := l.findReceipt(ctx, interaction)
		if err != nil {
			return "", err
		}

		if receipt != nil {
			confirmed, err := l.hasConfirmations(ctx, receipt)
			if err != nil {
				return "", err
			}

			if confirmed {
				return l.confirm(ctx, run, receipt)
			}
		} else {
			next, err := l.checkNetwork(ctx, run, nonce)
			if err != nil || next != "" {
				return next, err
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-l.clock.After(l.config.PollInterval):
		}
	}
}

// checkNetwork looks for replacement, drop and timeout while no receipt is known. An empty state
// means keep waiting. Only a nonce with no transaction at all counts as a drop.
func (l *Lifecycle) checkNetwork(ctx context.Context, run *interactionRun, nonce uint64) (models.InteractionState, error) {
	interaction := run.interaction

	latest, err := l.client.GetNonce(ctx, interaction.From, chain.BlockLatest)
	if err != nil {
		return "", fmt.Errorf("failed to read nonce of %s: %w", interaction.From, err)
	}

	if latest > nonce {
		// Our transaction may have been mined since the receipt lookup.
		receipt, err := l.findReceipt(ctx, interaction)
		if err != nil || receipt != nil {
			return "", err
		}

		l.logger.ErrorContext(ctx, "Interaction nonce used by another transaction",
			"futureId", run.futureID, "interactionId", interaction.ID, "nonce", nonce)

		err = l.recorder.Apply(ctx, deployment.InteractionReplaced{FutureID: run.futureID, InteractionID: interaction.ID})
		if err != nil {
			return "", err
		}

		return models.InteractionReplacedByUser, nil
	}

	known, err := l.anyKnown(ctx, interaction)
	if err != nil {
		return "", err
	}

	if !known {
		// A drop leaves the nonce free. Anything else pending there was not sent by us.
		pending, err := l.client.GetNonce(ctx, interaction.From, chain.BlockPending)
		if err != nil {
			return "", fmt.Errorf("failed to read pending nonce of %s: %w", interaction.From, err)
		}

		if pending > nonce {
			l.logger.ErrorContext(ctx, "Interaction nonce held by a pending transaction not sent by this deployment",
				"futureId", run.futureID, "interactionId", interaction.ID, "nonce", nonce)

			return "", &models.ExternalInterferenceError{
				FutureID: run.futureID,
				Sender:   interaction.From,
				Nonce:    nonce,
				Message:  "a transaction not sent by this deployment is pending at the interaction nonce",
			}
		}

		l.logger.WarnContext(ctx, "Transactions dropped by the network, resending",
			"futureId", run.futureID, "interactionId", interaction.ID, "nonce", nonce)

		err = l.recorder.Apply(ctx, deployment.InteractionDropped{FutureID: run.futureID, InteractionID: interaction.ID})
		if err != nil {
			return "", err
		}

		run.interaction = l.recorder.Interaction(run.futureID)

		return models.InteractionDropped, nil
	}

	last := interaction.LastTransaction()
	if last != nil && l.clock.Since(last.SentAt) >= l.config.TimeBeforeBumpingFees {
		l.logger.WarnContext(ctx, "Transaction not confirmed in time, bumping fees",
			"futureId", run.futureID, "interactionId", interaction.ID, "txHash", last.Hash.Hex(),
			"transactions", len(interaction.Transactions))

		return stateBumpAndResend, nil
	}

	return "", nil
}

func (l *Lifecycle) findReceipt(ctx context.Context, interaction *models.NetworkInteraction) (*models.Receipt, error) {
	for i := len(interaction.Transactions) - 1; i >= 0; i-- {
		hash := interaction.Transactions[i].Hash

		receipt, err := l.client.GetTransactionReceipt(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("failed to read receipt of %s: %w", hash.Hex(), err)
		}

		if receipt != nil {
			return receipt, nil
		}
	}

	return nil, nil
}

func (l *Lifecycle) anyKnown(ctx context.Context, interaction *models.NetworkInteraction) (bool, error) {
	for _, tx := range interaction.Transactions {
		networkTx, err := l.client.GetTransaction(ctx, tx.Hash)
		if err != nil {
			return false, fmt.Errorf("failed to read transaction %s: %w", tx.Hash.Hex(), err)
		}

		if networkTx != nil {
			return true, nil
		}
	}

	return false, nil
}

func (l *Lifecycle) hasConfirmations(ctx context.Context, receipt *models.Receipt) (bool, error) {
	if l.config.RequiredConfirmations <= 1 {
		return true, nil
	}

	block, err := l.client.GetLatestBlock(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read latest block: %w", err)
	}

	if block.Number < receipt.BlockNumber {
		return false, nil
	}

	return block.Number-receipt.BlockNumber+1 >= l.config.RequiredConfirmations, nil
}

func (l *Lifecycle) confirm(ctx context.Context, run *interactionRun, receipt *models.Receipt) (models.InteractionState, error) {
	err := l.recorder.Apply(ctx, deployment.TransactionConfirmed{
		FutureID:      run.futureID,
		InteractionID: run.interaction.ID,
		Receipt:       *receipt,
	})
	if err != nil {
		return "", err
	}

	run.interaction = l.recorder.Interaction(run.futureID)

	l.logger.InfoContext(ctx, "Transaction confirmed",
		"futureId", run.futureID, "txHash", receipt.TxHash.Hex(), "block", receipt.BlockNumber, "status", receipt.Status)

	return models.InteractionConfirmed, nil
}

func nonceOf(interaction *models.NetworkInteraction) uint64 {
	if interaction.Nonce == nil {
		return 0
	}

	return *interaction.Nonce
}
