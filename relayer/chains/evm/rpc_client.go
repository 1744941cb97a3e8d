package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
)

// ethBackend is the subset of *ethclient.Client the relayer uses
type ethBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash ethcommon.Hash) (*types.Transaction, bool, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

var _ ethBackend = (*ethclient.Client)(nil)

// RPCOptions tunes retries and throttling of RPC calls
type RPCOptions struct {
	RetryAttempts     uint
	RetryDelay        time.Duration
	CallTimeout       time.Duration
	RequestsPerSecond float64 // 0 disables rate limiting
}

func (o RPCOptions) withDefaults() RPCOptions {
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 400 * time.Millisecond
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 15 * time.Second
	}
	return o
}

// RPCClient provides EVM RPC operations over a pool of endpoints
type RPCClient struct {
	chain   string
	clients []ethBackend
	index   uint64
	mu      sync.RWMutex
	opts    RPCOptions
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewRPCClient dials every URL and keeps the endpoints whose chain ID matches
func NewRPCClient(rpcURLs []string, expectedChainID uint64, opts RPCOptions, logger zerolog.Logger) (*RPCClient, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	chain := fmt.Sprintf("%d", expectedChainID)
	log := logger.With().Str("component", "evm_rpc_client").Str("chain", chain).Logger()
	clients := make([]ethBackend, 0, len(rpcURLs))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, url := range rpcURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}

		clientChainID, err := client.ChainID(ctx)
		if err != nil {
			log.Warn().
				Err(err).
				Str("url", url).
				Msg("failed to verify chain ID, proceeding with client anyway")
			clients = append(clients, client)
			continue
		}

		if !clientChainID.IsUint64() || clientChainID.Uint64() != expectedChainID {
			client.Close()
			log.Warn().
				Str("url", url).
				Uint64("expected_chain_id", expectedChainID).
				Str("actual_chain_id", clientChainID.String()).
				Msg("chain ID mismatch, closing client")
			continue
		}

		clients = append(clients, client)
		log.Info().Str("url", url).Msg("connected to RPC endpoint")
	}

	if len(clients) == 0 {
		return nil, relayerrors.NewTransientNetworkError(chain, "failed to connect to any valid RPC endpoints", nil)
	}

	return newRPCClient(chain, clients, opts, log), nil
}

func newRPCClient(chain string, clients []ethBackend, opts RPCOptions, logger zerolog.Logger) *RPCClient {
	opts = opts.withDefaults()
	rc := &RPCClient{
		chain:   chain,
		clients: clients,
		opts:    opts,
		logger:  logger,
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rc.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return rc
}

// call runs fn with endpoint failover, retrying whole rounds on transient errors
func (rc *RPCClient) call(ctx context.Context, operation string, fn func(ctx context.Context, client ethBackend) error) error {
	err := retry.Do(func() error {
		return rc.executeWithFailover(ctx, operation, fn)
	},
		retry.Attempts(rc.opts.RetryAttempts),
		retry.Delay(rc.opts.RetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !isDefinitive(err) }),
		retry.OnRetry(func(n uint, err error) {
			rc.logger.Debug().
				Str("operation", operation).
				Uint("attempt", n+1).
				Err(err).
				Msg("retrying RPC operation")
		}),
	)
	return err
}

// executeWithFailover executes a function with round-robin failover.
// A definitive answer from one endpoint is returned without trying the others.
func (rc *RPCClient) executeWithFailover(ctx context.Context, operation string, fn func(ctx context.Context, client ethBackend) error) error {
	rc.mu.RLock()
	clients := rc.clients
	rc.mu.RUnlock()

	if len(clients) == 0 {
		return relayerrors.NewTransientNetworkError(rc.chain, "no RPC clients available for "+operation, nil)
	}

	var lastErr error
	for attempt := 0; attempt < len(clients); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rc.limiter != nil {
			if err := rc.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		index := atomic.AddUint64(&rc.index, 1) - 1
		client := clients[index%uint64(len(clients))]

		callCtx, cancel := context.WithTimeout(ctx, rc.opts.CallTimeout)
		err := fn(callCtx, client)
		cancel()
		if err == nil || isDefinitive(err) {
			return err
		}
		lastErr = err

		rc.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Err(err).
			Msg("operation failed, trying next endpoint")
	}

	return fmt.Errorf("operation %s failed after trying %d endpoints: %w", operation, len(clients), lastErr)
}

// isDefinitive reports whether err is an answer from the node rather than a
// transport failure, so retrying elsewhere cannot change it.
func isDefinitive(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		// -32005: limit exceeded
		return rpcErr.ErrorCode() != -32005 && !relayerrors.IsTransientMessage(rpcErr.Error())
	}
	return false
}

// IsHealthy checks if any RPC in the pool answers
func (rc *RPCClient) IsHealthy(ctx context.Context) bool {
	_, err := rc.GetLatestBlock(ctx)
	return err == nil
}

// GetLatestBlock returns the latest block number
func (rc *RPCClient) GetLatestBlock(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := rc.call(ctx, "get_block_number", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		blockNum, innerErr = client.BlockNumber(ctx)
		return innerErr
	})
	return blockNum, err
}

// GetHeader returns the header at number, or the latest header for nil
func (rc *RPCClient) GetHeader(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := rc.call(ctx, "get_header", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		header, innerErr = client.HeaderByNumber(ctx, number)
		return innerErr
	})
	return header, err
}

// FilterLogs fetches logs matching the filter query
func (rc *RPCClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := rc.call(ctx, "filter_logs", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		logs, innerErr = client.FilterLogs(ctx, query)
		return innerErr
	})
	return logs, err
}

// GetTransactionReceipt fetches a transaction receipt
func (rc *RPCClient) GetTransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := rc.call(ctx, "get_transaction_receipt", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		receipt, innerErr = client.TransactionReceipt(ctx, txHash)
		return innerErr
	})
	return receipt, err
}

// GetTransaction fetches a transaction and whether it is still pending
func (rc *RPCClient) GetTransaction(ctx context.Context, txHash ethcommon.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := rc.call(ctx, "get_transaction", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		tx, pending, innerErr = client.TransactionByHash(ctx, txHash)
		return innerErr
	})
	return tx, pending, err
}

// PendingNonceAt returns the next nonce for account including pool transactions
func (rc *RPCClient) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	var nonce uint64
	err := rc.call(ctx, "pending_nonce_at", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		nonce, innerErr = client.PendingNonceAt(ctx, account)
		return innerErr
	})
	return nonce, err
}

// GetGasPrice fetches the current legacy gas price
func (rc *RPCClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := rc.call(ctx, "get_gas_price", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		gasPrice, innerErr = client.SuggestGasPrice(ctx)
		return innerErr
	})
	return gasPrice, err
}

// GetGasTipCap fetches the suggested priority fee
func (rc *RPCClient) GetGasTipCap(ctx context.Context) (*big.Int, error) {
	var tip *big.Int
	err := rc.call(ctx, "get_gas_tip_cap", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		tip, innerErr = client.SuggestGasTipCap(ctx)
		return innerErr
	})
	return tip, err
}

// EstimateGas simulates msg. Reverts come back as definitive errors.
func (rc *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := rc.call(ctx, "estimate_gas", func(ctx context.Context, client ethBackend) error {
		var innerErr error
		gas, innerErr = client.EstimateGas(ctx, msg)
		return innerErr
	})
	return gas, err
}

// SendTransaction broadcasts a signed transaction. Re-sending the same signed
// transaction to another endpoint is harmless since its hash is fixed.
func (rc *RPCClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return rc.call(ctx, "send_transaction", func(ctx context.Context, client ethBackend) error {
		return client.SendTransaction(ctx, tx)
	})
}

// Close closes all RPC connections
func (rc *RPCClient) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, client := range rc.clients {
		if client != nil {
			client.Close()
		}
	}
	rc.clients = nil
}
