package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
)

// gas limit headroom over the estimate, in percent
const gasLimitMultiplierPct = 120

// ClientOptions configures an EVM ledger client
type ClientOptions struct {
	ChainID      uint64
	RPCURLs      []string
	RPC          RPCOptions
	PollInterval time.Duration
	BlockRange   uint64

	// RescanDepth is the number of blocks below the head that every log poll
	// scans again, normally the source finality depth
	RescanDepth uint64

	// SigningKey is required on the destination ledger only
	SigningKey             *ecdsa.PrivateKey
	AlreadyExecutedReasons []string
}

// Client implements common.LedgerClient for EVM chains
type Client struct {
	chainID      *big.Int
	chain        string
	rpc          *RPCClient
	key          *ecdsa.PrivateKey
	from         ethcommon.Address
	classifier   sendErrorClassifier
	pollInterval time.Duration
	blockRange   uint64
	rescanDepth  uint64
	logger       zerolog.Logger
}

var _ common.LedgerClient = (*Client)(nil)

// NewClient dials the configured endpoints
func NewClient(opts ClientOptions, logger zerolog.Logger) (*Client, error) {
	rpcClient, err := NewRPCClient(opts.RPCURLs, opts.ChainID, opts.RPC, logger)
	if err != nil {
		return nil, err
	}
	return newClient(opts, rpcClient, logger), nil
}

func newClient(opts ClientOptions, rpcClient *RPCClient, logger zerolog.Logger) *Client {
	chain := strconv.FormatUint(opts.ChainID, 10)
	c := &Client{
		chainID:      new(big.Int).SetUint64(opts.ChainID),
		chain:        chain,
		rpc:          rpcClient,
		key:          opts.SigningKey,
		classifier:   newSendErrorClassifier(chain, opts.AlreadyExecutedReasons),
		pollInterval: opts.PollInterval,
		blockRange:   opts.BlockRange,
		rescanDepth:  opts.RescanDepth,
		logger:       logger.With().Str("component", "evm_client").Str("chain", chain).Logger(),
	}
	if c.key != nil {
		c.from = AddressOf(c.key)
	}
	return c
}

func (c *Client) ChainID() string {
	return c.chain
}

// SignerAddress returns the hex address of the signing account, or "" for read-only clients
func (c *Client) SignerAddress() string {
	if c.key == nil {
		return ""
	}
	return c.from.Hex()
}

// SubscribeEvents polls logs of eventSig emitted by contract from fromBlock on
func (c *Client) SubscribeEvents(ctx context.Context, contract, eventSig string, fromBlock uint64) (common.Subscription, error) {
	if !ethcommon.IsHexAddress(contract) {
		return nil, relayerrors.NewConfigError("invalid contract address " + contract)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := newLogSubscription(
		c.rpc,
		c.chain,
		ethcommon.HexToAddress(contract),
		crypto.Keccak256Hash([]byte(eventSig)),
		fromBlock,
		c.rescanDepth,
		c.pollInterval,
		c.blockRange,
		c.logger,
	)
	sub.cancel = cancel

	c.logger.Info().
		Str("contract", contract).
		Str("event", eventSig).
		Uint64("from_block", fromBlock).
		Msg("subscribing to contract events")

	go sub.run(subCtx)
	return sub, nil
}

// GetChainHead returns the latest block number
func (c *Client) GetChainHead(ctx context.Context) (uint64, error) {
	head, err := c.rpc.GetLatestBlock(ctx)
	if err != nil {
		return 0, relayerrors.NewTransientNetworkError(c.chain, "failed to get chain head", err)
	}
	return head, nil
}

// IsTxPresentAt reports whether the canonical chain holds txHash in
// blockNumber, and in the block with blockHash when one is given
func (c *Client) IsTxPresentAt(ctx context.Context, txHash string, blockNumber uint64, blockHash string) (bool, error) {
	receipt, err := c.rpc.GetTransactionReceipt(ctx, ethcommon.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, relayerrors.NewTransientNetworkError(c.chain, "failed to get transaction receipt", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return false, nil
	}
	if receipt.BlockNumber.Uint64() != blockNumber {
		return false, nil
	}
	return blockHash == "" || strings.EqualFold(receipt.BlockHash.Hex(), blockHash), nil
}

// SendTransaction estimates, signs and broadcasts req. The hash of the signed
// transaction is returned even when the broadcast fails.
func (c *Client) SendTransaction(ctx context.Context, req common.TxRequest) (string, error) {
	if c.key == nil {
		return "", relayerrors.NewFatalSendError(c.chain, "no signer configured", nil)
	}
	if !ethcommon.IsHexAddress(req.To) {
		return "", relayerrors.NewFatalSendError(c.chain, "invalid destination address "+req.To, nil)
	}
	to := ethcommon.HexToAddress(req.To)

	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: req.CallData})
	if err != nil {
		return "", c.classifier.classify("estimate gas", err)
	}
	gasLimit := gas * gasLimitMultiplierPct / 100

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", relayerrors.NewTransientSendError(c.chain, "failed to get nonce", err)
	}

	tx, err := c.buildTx(ctx, nonce, to, gasLimit, req.CallData)
	if err != nil {
		return "", err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", relayerrors.NewFatalSendError(c.chain, "failed to sign transaction", err)
	}
	hash := strings.ToLower(signed.Hash().Hex())

	if req.BeforeBroadcast != nil {
		if err := req.BeforeBroadcast(hash); err != nil {
			return "", err
		}
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		if c.classifier.isKnownTx(err) {
			c.logger.Debug().Str("tx_hash", hash).Msg("transaction already in pool")
			return hash, nil
		}
		return hash, c.classifier.classify("broadcast", err)
	}

	c.logger.Info().
		Str("tx_hash", hash).
		Uint64("nonce", nonce).
		Uint64("gas_limit", gasLimit).
		Msg("transaction broadcast")
	return hash, nil
}

// buildTx uses dynamic fees when the chain reports a base fee
func (c *Client) buildTx(ctx context.Context, nonce uint64, to ethcommon.Address, gasLimit uint64, data []byte) (*types.Transaction, error) {
	header, err := c.rpc.GetHeader(ctx, nil)
	if err != nil {
		return nil, relayerrors.NewTransientSendError(c.chain, "failed to get latest header", err)
	}

	if header.BaseFee != nil {
		tip, err := c.rpc.GetGasTipCap(ctx)
		if err != nil {
			return nil, relayerrors.NewTransientSendError(c.chain, "failed to get gas tip cap", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &to,
			Data:      data,
		}), nil
	}

	gasPrice, err := c.rpc.GetGasPrice(ctx)
	if err != nil {
		return nil, relayerrors.NewTransientSendError(c.chain, "failed to get gas price", err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Data:     data,
	}), nil
}

// GetTxStatus reports whether txHash is unknown, pending, reverted or
// confirmed, and its depth when confirmed.
func (c *Client) GetTxStatus(ctx context.Context, txHash string) (common.TxStatus, error) {
	hash := ethcommon.HexToHash(txHash)

	receipt, err := c.rpc.GetTransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		_, _, txErr := c.rpc.GetTransaction(ctx, hash)
		if errors.Is(txErr, ethereum.NotFound) {
			return common.TxStatus{Kind: common.TxNotFound}, nil
		}
		if txErr != nil {
			return common.TxStatus{}, relayerrors.NewTransientConfirmError(c.chain, "failed to get transaction", txErr)
		}
		return common.TxStatus{Kind: common.TxPending}, nil
	}
	if err != nil {
		return common.TxStatus{}, relayerrors.NewTransientConfirmError(c.chain, "failed to get transaction receipt", err)
	}

	if receipt.BlockNumber == nil {
		return common.TxStatus{Kind: common.TxPending}, nil
	}
	block := receipt.BlockNumber.Uint64()
	if receipt.Status == types.ReceiptStatusFailed {
		return common.TxStatus{Kind: common.TxReverted, BlockNumber: block}, nil
	}

	head, err := c.rpc.GetLatestBlock(ctx)
	if err != nil {
		return common.TxStatus{}, relayerrors.NewTransientConfirmError(c.chain, "failed to get chain head", err)
	}
	if head < block {
		return common.TxStatus{Kind: common.TxPending, BlockNumber: block}, nil
	}
	return common.TxStatus{Kind: common.TxConfirmed, Depth: head - block + 1, BlockNumber: block}, nil
}

// Close releases RPC connections
func (c *Client) Close() {
	c.rpc.Close()
}
