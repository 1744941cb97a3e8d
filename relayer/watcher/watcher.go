// Package watcher turns source chain lock logs into relay records.
//
// Logs are held as finality candidates until the source head is
// finalityDepth blocks past the log's block. Candidates settle in arrival
// order: a candidate that is not yet final holds back every later one. A
// candidate whose transaction is no longer in its block is dropped and the
// subscription is rewound to that block, so a re-included transaction is
// observed again.
package watcher

import (
	"context"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/metrics"
	"github.com/pushchain/bridge-relayer/relayer/recordstore"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

const defaultPollInterval = 5 * time.Second

// Options configures a Watcher
type Options struct {
	Contract      string // source contract emitting TokenLocked
	DestChainID   string // events declaring another destination are recorded as IGNORED
	FinalityDepth uint64

	// StartFrom is used when no cursor is stored. Nil or negative starts at
	// the current head.
	StartFrom *int64

	PollInterval time.Duration
	Backoff      relayerrors.BackoffPolicy
}

// Watcher observes one source chain
type Watcher struct {
	source  common.EventSource
	codec   common.Codec
	records *recordstore.Store
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger
}

// New creates a watcher for source
func New(
	source common.EventSource,
	codec common.Codec,
	records *recordstore.Store,
	opts Options,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Backoff.InitialDelay <= 0 {
		opts.Backoff = relayerrors.DefaultBackoffPolicy()
	}
	return &Watcher{
		source:  source,
		codec:   codec,
		records: records,
		metrics: m,
		opts:    opts,
		logger:  logger.With().Str("component", "watcher").Str("chain", source.ChainID()).Logger(),
	}
}

type candidate struct {
	raw   common.RawEvent
	event store.LockEvent
}

// scan is the state of one iteration over Subscribe
type scan struct {
	candidates map[store.Key]*candidate
	order      []*candidate // arrival order, may hold settled entries
	maxSeen    uint64
	cursor     uint64 // last persisted cursor
}

func (s *scan) track(c *candidate) {
	s.candidates[c.raw.Key()] = c
	s.order = append(s.order, c)
}

func (s *scan) drop(c *candidate) {
	delete(s.candidates, c.raw.Key())
}

// pending returns the unsettled candidates in arrival order
func (s *scan) pending() []*candidate {
	kept := s.order[:0]
	for _, c := range s.order {
		if s.candidates[c.raw.Key()] == c {
			kept = append(kept, c)
		}
	}
	s.order = kept
	return append([]*candidate(nil), kept...)
}

// lowWatermark is the block a restart has to rescan from
func (s *scan) lowWatermark() uint64 {
	low := s.maxSeen
	for _, c := range s.candidates {
		if c.raw.BlockNumber < low {
			low = c.raw.BlockNumber
		}
	}
	return low
}

// Run records every finalized lock event and hands new DETECTED records to
// onDetected. It returns nil when ctx is cancelled and an error only when
// the store fails.
func (w *Watcher) Run(ctx context.Context, onDetected func(*store.RelayRecord)) error {
	for rec, err := range w.Subscribe(ctx) {
		if err != nil {
			return err
		}
		if rec.State == store.StateDetected && onDetected != nil {
			onDetected(rec)
		}
	}
	return nil
}

// Subscribe returns a lazy, infinite sequence of records created from
// finalized lock events, both DETECTED and IGNORED. Each range over it
// starts from the stored cursor. The sequence ends when ctx is done or
// after yielding a store error.
func (w *Watcher) Subscribe(ctx context.Context) iter.Seq2[*store.RelayRecord, error] {
	return func(yield func(*store.RelayRecord, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		from, err := w.resolveStart(ctx)
		if err != nil {
			if ctx.Err() == nil {
				yield(nil, err)
			}
			return
		}

		s := &scan{
			candidates: make(map[store.Key]*candidate),
			maxSeen:    from,
			cursor:     from,
		}

		failures := 0
		var lastRewind *uint64
		rewinds := 0
		for ctx.Err() == nil {
			sub, err := w.source.SubscribeEvents(ctx, w.opts.Contract, common.LockEventSignature, from)
			if err != nil {
				w.logger.Warn().Err(err).Uint64("from_block", from).Msg("failed to subscribe to lock events")
				if !sleep(ctx, w.opts.Backoff.Delay(failures)) {
					return
				}
				failures++
				continue
			}

			w.logger.Info().Uint64("from_block", from).Msg("subscribed to lock events")
			res := w.consume(ctx, sub, s, yield)
			sub.Unsubscribe()

			switch {
			case res.stop:
				return
			case res.err != nil:
				if ctx.Err() == nil {
					yield(nil, res.err)
				}
				return
			case res.rewind != nil:
				// a log that keeps coming back without its transaction
				// means a lagging endpoint; back off instead of spinning
				if lastRewind != nil && *lastRewind == *res.rewind {
					rewinds++
					w.logger.Warn().Uint64("block", *res.rewind).Int("rewinds", rewinds).Msg("repeated rewind to the same block")
					if !sleep(ctx, w.opts.Backoff.Delay(rewinds)) {
						return
					}
				} else {
					rewinds = 0
				}
				lastRewind = res.rewind
				from = *res.rewind
				failures = 0
			default:
				if res.progressed {
					failures = 0
				}
				w.logger.Warn().Err(res.subErr).Int("failures", failures).Msg("lock event subscription ended, resubscribing")
				if !sleep(ctx, w.opts.Backoff.Delay(failures)) {
					return
				}
				failures++
				from = s.lowWatermark()
			}
			w.metrics.IncResubscriptions(ctx, w.source.ChainID())
		}
	}
}

type consumeResult struct {
	stop       bool    // consumer stopped or ctx done
	err        error   // store failure
	rewind     *uint64 // resubscribe from this block
	subErr     error   // subscription failure
	progressed bool
}

func (w *Watcher) consume(
	ctx context.Context,
	sub common.Subscription,
	s *scan,
	yield func(*store.RelayRecord, error) bool,
) consumeResult {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	var res consumeResult
	for {
		select {
		case <-ctx.Done():
			res.stop = true
			return res

		case err := <-sub.Err():
			res.subErr = err
			return res

		case raw, ok := <-sub.Events():
			if !ok {
				res.subErr = subscriptionErr(sub)
				return res
			}
			res.progressed = true
			c, err := w.observe(ctx, s, raw)
			if err != nil {
				res.err = err
				return res
			}
			if c == nil {
				continue
			}
			head, err := w.source.GetChainHead(ctx)
			if err != nil {
				w.logger.Debug().Err(err).Msg("failed to get chain head, candidate waits for next poll")
				continue
			}
			if r := w.settleAll(ctx, s, head, yield); r != nil {
				return *r
			}

		case <-ticker.C:
			res.progressed = true
			head, err := w.source.GetChainHead(ctx)
			if err != nil {
				w.logger.Warn().Err(err).Msg("failed to get chain head")
				continue
			}
			if r := w.settleAll(ctx, s, head, yield); r != nil {
				return *r
			}
			if err := w.persistCursor(ctx, s); err != nil {
				res.err = err
				return res
			}
		}
	}
}

type settlement int

const (
	settleWaiting settlement = iota // not final yet, or inclusion unknown
	settleDone                      // recorded or discarded
	settleReorged                   // transaction left its block
)

// settleAll evaluates pending candidates against head in arrival order and
// stops at the first one that has to wait. A non-nil result ends the current
// subscription.
func (w *Watcher) settleAll(
	ctx context.Context,
	s *scan,
	head uint64,
	yield func(*store.RelayRecord, error) bool,
) *consumeResult {
	var rewind *uint64
loop:
	for _, c := range s.pending() {
		rec, outcome, err := w.settle(ctx, s, c, head)
		if err != nil {
			return &consumeResult{err: err}
		}
		switch outcome {
		case settleWaiting:
			break loop
		case settleReorged:
			if rewind == nil || c.raw.BlockNumber < *rewind {
				block := c.raw.BlockNumber
				rewind = &block
			}
		}
		if rec != nil && !yield(rec, nil) {
			return &consumeResult{stop: true}
		}
	}
	if rewind != nil {
		return &consumeResult{rewind: rewind}
	}
	return nil
}

// observe registers raw as a finality candidate unless it is already known
func (w *Watcher) observe(ctx context.Context, s *scan, raw common.RawEvent) (*candidate, error) {
	chain := w.source.ChainID()
	key := raw.Key()
	if raw.BlockNumber > s.maxSeen {
		s.maxSeen = raw.BlockNumber
	}

	if _, ok := s.candidates[key]; ok {
		w.discard(ctx, key, relayerrors.New(relayerrors.ErrCodeDuplicateEvent, chain, "lock event already tracked", nil))
		return nil, nil
	}
	_, err := w.records.Get(ctx, key)
	switch {
	case err == nil:
		w.discard(ctx, key, relayerrors.New(relayerrors.ErrCodeDuplicateEvent, chain, "lock event already recorded", nil))
		return nil, nil
	case !relayerrors.IsCode(err, relayerrors.ErrCodeNotFound):
		return nil, err
	}

	ev, err := w.codec.DecodeLock(raw)
	if err != nil {
		w.discard(ctx, key, relayerrors.NewDecodeError(chain, "skipping undecodable lock log", err))
		return nil, nil
	}

	c := &candidate{raw: raw, event: ev}
	s.track(c)
	w.logger.Debug().
		Str("key", key.String()).
		Uint64("block", raw.BlockNumber).
		Uint64("finality_depth", w.opts.FinalityDepth).
		Msg("tracking lock event until final")
	return c, nil
}

// settle finalizes or drops c once it is final. It returns the created
// record, if any.
func (w *Watcher) settle(ctx context.Context, s *scan, c *candidate, head uint64) (*store.RelayRecord, settlement, error) {
	chain := w.source.ChainID()
	key := c.raw.Key()

	if head < c.raw.BlockNumber+w.opts.FinalityDepth {
		return nil, settleWaiting, nil
	}

	present, err := w.source.IsTxPresentAt(ctx, c.raw.TxHash, c.raw.BlockNumber, c.raw.BlockHash)
	if err != nil {
		w.logger.Warn().Err(err).Str("key", key.String()).Msg("failed to verify lock transaction, will retry")
		return nil, settleWaiting, nil
	}
	if !present {
		s.drop(c)
		w.discard(ctx, key, relayerrors.New(relayerrors.ErrCodeReorg, chain, "lock transaction no longer in its block", nil).
			WithContext("block", c.raw.BlockNumber))
		return nil, settleReorged, nil
	}

	initial := store.StateDetected
	if c.event.DestChainID != w.opts.DestChainID {
		initial = store.StateIgnored
	}

	rec, created, err := w.records.CreateIfAbsent(ctx, c.event, initial)
	s.drop(c)
	if err != nil {
		if relayerrors.IsCode(err, relayerrors.ErrCodeDatabase) {
			return nil, settleDone, err
		}
		w.discard(ctx, key, relayerrors.NewDecodeError(chain, "dropping invalid lock event", err))
		return nil, settleDone, nil
	}
	if !created {
		w.discard(ctx, key, relayerrors.New(relayerrors.ErrCodeDuplicateEvent, chain, "lock event already recorded", nil))
		return nil, settleDone, nil
	}

	if initial == store.StateIgnored {
		w.discard(ctx, key, relayerrors.New(relayerrors.ErrCodeWrongDestination, chain, "lock event targets another destination", nil).
			WithContext("dest_chain_id", c.event.DestChainID).
			WithContext("expected_dest_chain_id", w.opts.DestChainID))
		return rec, settleDone, nil
	}

	w.metrics.ObserveEvent(ctx, chain, metrics.EventDetected)
	w.logger.Info().
		Str("key", key.String()).
		Uint64("block", c.raw.BlockNumber).
		Uint64("head", head).
		Str("amount", c.event.Amount).
		Msg("lock event final, record detected")
	return rec, settleDone, nil
}

// discard counts and logs a lock event that does not become a DETECTED record
func (w *Watcher) discard(ctx context.Context, key store.Key, reason *relayerrors.RelayError) {
	outcome, level := metrics.EventUndecodable, zerolog.ErrorLevel
	switch reason.Code {
	case relayerrors.ErrCodeDuplicateEvent:
		outcome, level = metrics.EventDuplicate, zerolog.DebugLevel
	case relayerrors.ErrCodeReorg:
		outcome, level = metrics.EventReorged, zerolog.WarnLevel
	case relayerrors.ErrCodeWrongDestination:
		outcome, level = metrics.EventIgnored, zerolog.InfoLevel
	}
	w.metrics.ObserveEvent(ctx, w.source.ChainID(), outcome)
	w.logger.WithLevel(level).
		Err(reason.Cause).
		Str("key", key.String()).
		Str("code", string(reason.Code)).
		Fields(reason.Context).
		Msg(reason.Message)
}

func (w *Watcher) persistCursor(ctx context.Context, s *scan) error {
	cursor := s.lowWatermark()
	if cursor == s.cursor {
		return nil
	}
	if err := w.records.SetCursor(ctx, w.source.ChainID(), cursor); err != nil {
		return err
	}
	s.cursor = cursor
	w.metrics.SetProcessedBlockHeight(ctx, w.source.ChainID(), cursor)
	return nil
}

// resolveStart returns the stored cursor, else the configured start block,
// else the current head. The result is stored when no cursor existed.
func (w *Watcher) resolveStart(ctx context.Context) (uint64, error) {
	chain := w.source.ChainID()
	cursor, ok, err := w.records.GetCursor(ctx, chain)
	if err != nil {
		return 0, err
	}
	if ok {
		w.logger.Info().Uint64("cursor", cursor).Msg("resuming from stored cursor")
		return cursor, nil
	}

	var from uint64
	if w.opts.StartFrom != nil && *w.opts.StartFrom >= 0 {
		from = uint64(*w.opts.StartFrom)
		w.logger.Info().Uint64("from_block", from).Msg("no stored cursor, starting from configured block")
	} else {
		for attempt := 0; ; attempt++ {
			head, err := w.source.GetChainHead(ctx)
			if err == nil {
				from = head
				break
			}
			w.logger.Warn().Err(err).Msg("failed to get chain head for initial cursor")
			if !sleep(ctx, w.opts.Backoff.Delay(attempt)) {
				return 0, ctx.Err()
			}
		}
		w.logger.Info().Uint64("from_block", from).Msg("no stored cursor, starting from chain head")
	}

	if err := w.records.SetCursor(ctx, chain, from); err != nil {
		return 0, err
	}
	return from, nil
}

func subscriptionErr(sub common.Subscription) error {
	select {
	case err := <-sub.Err():
		if err != nil {
			return err
		}
	default:
	}
	return relayerrors.NewTransientNetworkError("", "subscription closed", nil)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
