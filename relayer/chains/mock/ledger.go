// Package mock provides a deterministic in-memory ledger implementing
// common.LedgerClient. Tests drive it explicitly: blocks advance only when
// told to, and reorgs, redeliveries and send failures are injected.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
)

type sentTx struct {
	req      common.TxRequest
	block    uint64 // 0 while pending
	reverted bool
}

// Ledger is an in-memory chain
type Ledger struct {
	chain string

	mu       sync.Mutex
	head     uint64
	logs     []common.RawEvent
	included map[string]uint64 // source tx hash -> block
	subs     map[*subscription]struct{}
	headErrs []error

	nonce       uint64
	txs         map[string]*sentTx
	executed    map[string]string // unlock call data -> executing tx hash
	preflight   []error
	broadcast   []error
	broadcasts  int
	autoMine    bool
	revertNext  int
	checkpoints []string
}

var _ common.LedgerClient = (*Ledger)(nil)

// New creates a ledger whose head is block 0
func New(chainID string) *Ledger {
	return &Ledger{
		chain:    chainID,
		included: make(map[string]uint64),
		subs:     make(map[*subscription]struct{}),
		txs:      make(map[string]*sentTx),
		executed: make(map[string]string),
	}
}

func (l *Ledger) ChainID() string { return l.chain }

func (l *Ledger) SignerAddress() string { return "mock-signer-" + l.chain }

func (l *Ledger) Close() {}

// SetAutoMine makes every accepted transaction land in a new block immediately
func (l *Ledger) SetAutoMine(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoMine = on
}

// SetHead moves the chain head
func (l *Ledger) SetHead(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = n
}

// Advance adds n empty blocks
func (l *Ledger) Advance(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head += n
}

// Head returns the current head
func (l *Ledger) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// FailHeads makes the next GetChainHead calls return errs in order
func (l *Ledger) FailHeads(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.headErrs = append(l.headErrs, errs...)
}

// AddLock includes a lock log in block and delivers it to live subscriptions
func (l *Ledger) AddLock(txHash string, logIndex uint, block uint64, p LockPayload) common.RawEvent {
	data, _ := json.Marshal(p)
	ev := common.RawEvent{
		ChainID:     l.chain,
		TxHash:      txHash,
		LogIndex:    logIndex,
		BlockNumber: block,
		Topics:      []string{common.LockEventSignature},
		Data:        data,
	}

	l.mu.Lock()
	l.logs = append(l.logs, ev)
	l.included[txHash] = block
	if block > l.head {
		l.head = block
	}
	subs := l.liveSubs()
	l.mu.Unlock()

	for _, s := range subs {
		if ev.BlockNumber >= s.from {
			s.push(ev)
		}
	}
	return ev
}

// Reorg removes txHash and its logs from the canonical chain
func (l *Ledger) Reorg(txHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.included, txHash)
	kept := l.logs[:0]
	for _, ev := range l.logs {
		if ev.TxHash != txHash {
			kept = append(kept, ev)
		}
	}
	l.logs = kept
}

// Redeliver pushes every canonical log again to live subscriptions
func (l *Ledger) Redeliver() {
	l.mu.Lock()
	logs := append([]common.RawEvent(nil), l.logs...)
	subs := l.liveSubs()
	l.mu.Unlock()

	for _, s := range subs {
		for _, ev := range logs {
			if ev.BlockNumber >= s.from {
				s.push(ev)
			}
		}
	}
}

// FailSubscriptions terminates live subscriptions with err
func (l *Ledger) FailSubscriptions(err error) {
	l.mu.Lock()
	subs := l.liveSubs()
	l.subs = make(map[*subscription]struct{})
	l.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

// Subscriptions returns the number of live subscriptions
func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *Ledger) liveSubs() []*subscription {
	subs := make([]*subscription, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	return subs
}

// SubscribeEvents replays canonical logs from fromBlock, then streams new ones
func (l *Ledger) SubscribeEvents(ctx context.Context, _ string, _ string, fromBlock uint64) (common.Subscription, error) {
	s := newSubscription(fromBlock, func(s *subscription) {
		l.mu.Lock()
		delete(l.subs, s)
		l.mu.Unlock()
	})

	l.mu.Lock()
	for _, ev := range l.logs {
		if ev.BlockNumber >= fromBlock {
			s.queue = append(s.queue, ev)
		}
	}
	l.subs[s] = struct{}{}
	l.mu.Unlock()

	go s.pump(ctx)
	return s, nil
}

func (l *Ledger) GetChainHead(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.headErrs) > 0 {
		err := l.headErrs[0]
		l.headErrs = l.headErrs[1:]
		return 0, err
	}
	return l.head, nil
}

// IsTxPresentAt ignores blockHash; mock blocks are identified by number only
func (l *Ledger) IsTxPresentAt(_ context.Context, txHash string, blockNumber uint64, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	block, ok := l.included[txHash]
	return ok && block == blockNumber, nil
}

// FailSends makes the next sends fail before signing, in order
func (l *Ledger) FailSends(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.preflight = append(l.preflight, errs...)
}

// FailBroadcasts makes the next sends fail after the pre-broadcast hook ran,
// without the transaction reaching the ledger
func (l *Ledger) FailBroadcasts(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcast = append(l.broadcast, errs...)
}

// RevertNext makes the next n accepted transactions revert when mined
func (l *Ledger) RevertNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revertNext += n
}

// SendTransaction accepts req unless an injected failure applies. A call
// whose data already executed successfully fails with ALREADY_EXECUTED.
func (l *Ledger) SendTransaction(ctx context.Context, req common.TxRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", relayerrors.NewTransientSendError(l.chain, "context done", err)
	}

	l.mu.Lock()
	if len(l.preflight) > 0 {
		err := l.preflight[0]
		l.preflight = l.preflight[1:]
		l.mu.Unlock()
		return "", err
	}
	if hash, ok := l.executed[string(req.CallData)]; ok {
		l.mu.Unlock()
		return "", relayerrors.NewAlreadyExecutedError(l.chain, "unlock already executed by "+hash, nil)
	}
	l.nonce++
	hash := fmt.Sprintf("0xd0%062x", l.nonce)
	l.mu.Unlock()

	if req.BeforeBroadcast != nil {
		if err := req.BeforeBroadcast(hash); err != nil {
			return "", err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoints = append(l.checkpoints, hash)
	if len(l.broadcast) > 0 {
		err := l.broadcast[0]
		l.broadcast = l.broadcast[1:]
		return hash, err
	}

	tx := &sentTx{req: req}
	if l.revertNext > 0 {
		tx.reverted = true
		l.revertNext--
	}
	l.txs[hash] = tx
	l.broadcasts++
	if l.autoMine {
		l.mineLocked()
	}
	return hash, nil
}

// MinePending includes all pending transactions in a new block
func (l *Ledger) MinePending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked()
}

func (l *Ledger) mineLocked() {
	l.head++
	for hash, tx := range l.txs {
		if tx.block != 0 {
			continue
		}
		tx.block = l.head
		if !tx.reverted {
			l.executed[string(tx.req.CallData)] = hash
		}
	}
}

// DropTx forgets a transaction, as if it was evicted from the pool or reorged out
func (l *Ledger) DropTx(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.txs[hash]; ok {
		if l.executed[string(tx.req.CallData)] == hash {
			delete(l.executed, string(tx.req.CallData))
		}
		delete(l.txs, hash)
	}
}

func (l *Ledger) GetTxStatus(_ context.Context, txHash string) (common.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[txHash]
	switch {
	case !ok:
		return common.TxStatus{Kind: common.TxNotFound}, nil
	case tx.block == 0:
		return common.TxStatus{Kind: common.TxPending}, nil
	case tx.reverted:
		return common.TxStatus{Kind: common.TxReverted, BlockNumber: tx.block}, nil
	default:
		return common.TxStatus{Kind: common.TxConfirmed, Depth: l.head - tx.block + 1, BlockNumber: tx.block}, nil
	}
}

// Broadcasts returns how many transactions reached the ledger
func (l *Ledger) Broadcasts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broadcasts
}

// ExecutedUnlocks returns the call data of every successfully mined transaction
func (l *Ledger) ExecutedUnlocks() []UnlockCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	calls := make([]UnlockCall, 0, len(l.executed))
	for data := range l.executed {
		if call, err := DecodeUnlock([]byte(data)); err == nil {
			calls = append(calls, call)
		}
	}
	return calls
}

// Checkpoints returns the hashes whose pre-broadcast hook succeeded
func (l *Ledger) Checkpoints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.checkpoints...)
}
