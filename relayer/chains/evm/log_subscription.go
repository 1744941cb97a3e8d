package evm

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
)

// logSubscription polls eth_getLogs in bounded block ranges and implements
// common.Subscription
type logSubscription struct {
	rpc        *RPCClient
	chain      string
	query      ethereum.FilterQuery
	start      uint64
	next       uint64 // first block never scanned
	rescan     uint64 // blocks below the head scanned again on every poll
	interval   time.Duration
	blockRange uint64
	logger     zerolog.Logger

	events chan common.RawEvent
	errCh  chan error
	cancel context.CancelFunc
	once   sync.Once
}

var _ common.Subscription = (*logSubscription)(nil)

func (s *logSubscription) Events() <-chan common.RawEvent { return s.events }

func (s *logSubscription) Err() <-chan error { return s.errCh }

func (s *logSubscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (s *logSubscription) run(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx); err != nil {
			if ctx.Err() == nil {
				s.errCh <- err
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll scans the unscanned blocks up to the current head, plus the last
// rescan blocks so logs a tip reorg moved into scanned blocks are delivered.
// Consumers deduplicate the redelivered logs.
func (s *logSubscription) poll(ctx context.Context) error {
	head, err := s.rpc.GetLatestBlock(ctx)
	if err != nil {
		return err
	}

	from := s.next
	if s.rescan > 0 && head+1 > s.rescan {
		if low := max(head+1-s.rescan, s.start); low < from {
			from = low
		}
	}

	for from <= head {
		to := from + s.blockRange - 1
		if to > head {
			to = head
		}
		if err := s.processBlockRange(ctx, from, to); err != nil {
			return err
		}
		from = to + 1
		if from > s.next {
			s.next = from
		}
	}
	return nil
}

func (s *logSubscription) processBlockRange(ctx context.Context, fromBlock, toBlock uint64) error {
	query := s.query
	query.FromBlock = new(big.Int).SetUint64(fromBlock)
	query.ToBlock = new(big.Int).SetUint64(toBlock)

	logs, err := s.rpc.FilterLogs(ctx, query)
	if err != nil {
		return err
	}

	if len(logs) > 0 {
		s.logger.Debug().
			Uint64("from_block", fromBlock).
			Uint64("to_block", toBlock).
			Int("logs_found", len(logs)).
			Msg("found lock events")
	}

	for _, log := range logs {
		if log.Removed {
			continue
		}
		topics := make([]string, len(log.Topics))
		for i, t := range log.Topics {
			topics[i] = t.Hex()
		}
		ev := common.RawEvent{
			ChainID:     s.chain,
			Contract:    log.Address.Hex(),
			TxHash:      strings.ToLower(log.TxHash.Hex()),
			LogIndex:    log.Index,
			BlockNumber: log.BlockNumber,
			BlockHash:   strings.ToLower(log.BlockHash.Hex()),
			Topics:      topics,
			Data:        log.Data,
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func newLogSubscription(
	rpc *RPCClient,
	chain string,
	contract ethcommon.Address,
	topic ethcommon.Hash,
	fromBlock uint64,
	rescan uint64,
	interval time.Duration,
	blockRange uint64,
	logger zerolog.Logger,
) *logSubscription {
	if blockRange == 0 {
		blockRange = 1000
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &logSubscription{
		rpc:   rpc,
		chain: chain,
		query: ethereum.FilterQuery{
			Addresses: []ethcommon.Address{contract},
			Topics:    [][]ethcommon.Hash{{topic}},
		},
		start:      fromBlock,
		next:       fromBlock,
		rescan:     rescan,
		interval:   interval,
		blockRange: blockRange,
		logger:     logger,
		events:     make(chan common.RawEvent, 100),
		errCh:      make(chan error, 1),
	}
}
