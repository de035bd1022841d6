// Package rpc implements chain.Client over a JSON-RPC endpoint with local signing keys.
package rpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/dukex/keel/pkg/chain"
	"github.com/dukex/keel/pkg/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

var ErrUnknownAccount = errors.New("no signing key for account")

// Client is a chain.Client backed by go-ethereum's ethclient.
type Client struct {
	eth      *ethclient.Client
	keys     map[common.Address]*ecdsa.PrivateKey
	accounts []common.Address
	limiter  *rate.Limiter
	chainID  *big.Int
	logger   *slog.Logger
}

// Dial connects to url and loads the hex encoded private keys. requestsPerSecond <= 0 disables
// rate limiting.
func Dial(ctx context.Context, url string, privateKeys []string, requestsPerSecond float64, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()

		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	client := &Client{
		eth:     eth,
		keys:    make(map[common.Address]*ecdsa.PrivateKey, len(privateKeys)),
		limiter: rate.NewLimiter(rate.Inf, 0),
		chainID: chainID,
		logger:  logger.With("module", "chain_rpc"),
	}

	if requestsPerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), max(1, int(requestsPerSecond)))
	}

	for _, hexKey := range privateKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			eth.Close()

			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		address := crypto.PubkeyToAddress(key.PublicKey)
		client.keys[address] = key
		client.accounts = append(client.accounts, address)
	}

	client.logger.Info("Connected to network", "chainId", chainID.Uint64(), "accounts", len(client.accounts))

	return client, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) Accounts() []common.Address {
	return append([]common.Address(nil), c.accounts...)
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	return c.chainID.Uint64(), nil
}

func (c *Client) GetNonce(ctx context.Context, address common.Address, tag chain.BlockTag) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	if tag == chain.BlockPending {
		return c.eth.PendingNonceAt(ctx, address)
	}

	return c.eth.NonceAt(ctx, address, nil)
}

func (c *Client) GetBalance(ctx context.Context, address common.Address, tag chain.BlockTag) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if tag == chain.BlockPending {
		return c.eth.PendingBalanceAt(ctx, address)
	}

	return c.eth.BalanceAt(ctx, address, nil)
}

// GetNetworkFees recommends EIP-1559 fees (twice the base fee plus the suggested tip) when the
// latest block has a base fee, and a legacy gas price otherwise.
func (c *Client) GetNetworkFees(ctx context.Context) (models.Fees, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.Fees{}, err
	}

	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return models.Fees{}, fmt.Errorf("failed to read latest header: %w", err)
	}

	if header.BaseFee == nil {
		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return models.Fees{}, fmt.Errorf("failed to suggest gas price: %w", err)
		}

		return models.Fees{GasPrice: gasPrice}, nil
	}

	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return models.Fees{}, fmt.Errorf("failed to suggest tip: %w", err)
	}

	maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)

	return models.Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

func (c *Client) EstimateGas(ctx context.Context, params chain.TxParams) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	return c.eth.EstimateGas(ctx, callMsg(params))
}

// Call runs eth_call. Reverts are returned as an unsuccessful result carrying the revert data.
func (c *Client) Call(ctx context.Context, params chain.TxParams, tag chain.BlockTag) (chain.RawCallResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return chain.RawCallResult{}, err
	}

	var (
		data []byte
		err  error
	)

	if tag == chain.BlockPending {
		data, err = c.eth.PendingCallContract(ctx, callMsg(params))
	} else {
		data, err = c.eth.CallContract(ctx, callMsg(params), nil)
	}

	if err == nil {
		return chain.RawCallResult{ReturnData: data, Success: true}, nil
	}

	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			revert, decodeErr := hexutil.Decode(encoded)
			if decodeErr == nil {
				return chain.RawCallResult{ReturnData: revert, Success: false}, nil
			}
		}

		return chain.RawCallResult{Success: false}, nil
	}

	return chain.RawCallResult{}, err
}

func (c *Client) SendTransaction(ctx context.Context, params chain.TxParams) (common.Hash, error) {
	key, ok := c.keys[params.From]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownAccount, params.From.Hex())
	}

	value := params.Value
	if value == nil {
		value = new(big.Int)
	}

	var unsigned *types.Transaction
	if params.Fees.IsEIP1559() {
		unsigned = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     params.Nonce,
			GasTipCap: params.Fees.MaxPriorityFeePerGas,
			GasFeeCap: params.Fees.MaxFeePerGas,
			Gas:       params.Gas,
			To:        params.To,
			Value:     value,
			Data:      params.Data,
		})
	} else {
		unsigned = types.NewTx(&types.LegacyTx{
			Nonce:    params.Nonce,
			GasPrice: params.Fees.GasPrice,
			Gas:      params.Gas,
			To:       params.To,
			Value:    value,
			Data:     params.Data,
		})
	}

	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return common.Hash{}, err
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	return signed.Hash(), nil
}

func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*chain.NetworkTransaction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sender of %s: %w", hash.Hex(), err)
	}

	return &chain.NetworkTransaction{Hash: hash, From: from, Nonce: tx.Nonce(), Pending: pending}, nil
}

func (c *Client) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*models.Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return convertReceipt(receipt), nil
}

func (c *Client) GetLatestBlock(ctx context.Context) (chain.Block, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return chain.Block{}, err
	}

	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.Block{}, err
	}

	return chain.Block{Number: header.Number.Uint64(), Hash: header.Hash(), BaseFee: header.BaseFee}, nil
}

func callMsg(params chain.TxParams) ethereum.CallMsg {
	msg := ethereum.CallMsg{
		From:  params.From,
		To:    params.To,
		Gas:   params.Gas,
		Value: params.Value,
		Data:  params.Data,
	}

	if params.Fees.IsEIP1559() {
		msg.GasFeeCap = params.Fees.MaxFeePerGas
		msg.GasTipCap = params.Fees.MaxPriorityFeePerGas
	} else {
		msg.GasPrice = params.Fees.GasPrice
	}

	return msg
}

func convertReceipt(receipt *types.Receipt) *models.Receipt {
	out := &models.Receipt{
		TxHash: receipt.TxHash,
		Status: receipt.Status == types.ReceiptStatusSuccessful,
	}

	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.ContractAddress != (common.Address{}) {
		address := receipt.ContractAddress
		out.ContractAddress = &address
	}

	for _, log := range receipt.Logs {
		out.Logs = append(out.Logs, models.Log{Address: log.Address, Topics: log.Topics, Data: log.Data})
	}

	return out
}
