// Package submitter drives relay records from DETECTED to a terminal state
// by calling confirmUnlock on the destination chain.
//
// The signed transaction hash is checkpointed before every broadcast, and a
// record that already has one is re-queried on the destination chain before
// anything new is signed. A crash between broadcast and bookkeeping therefore
// never leads to a second unlock.
package submitter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/metrics"
	"github.com/pushchain/bridge-relayer/relayer/recordstore"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

// Options configures a Submitter
type Options struct {
	DestContract      string
	ConfirmationDepth uint64
	MaxAttempts       int
	Backoff           relayerrors.BackoffPolicy

	Workers   int
	QueueSize int

	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
	BroadcastTimeout    time.Duration
	SweepInterval       time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff = relayerrors.DefaultBackoffPolicy()
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.ConfirmPollInterval <= 0 {
		o.ConfirmPollInterval = 5 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 10 * time.Minute
	}
	if o.BroadcastTimeout <= 0 {
		o.BroadcastTimeout = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	return o
}

// Submitter submits unlocks for relay records
type Submitter struct {
	sender  common.TxSender
	codec   common.Codec
	records *recordstore.Store
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger

	sequencer *sequencer
	scheduler *scheduler
}

// New creates a submitter sending through sender
func New(
	sender common.TxSender,
	codec common.Codec,
	records *recordstore.Store,
	opts Options,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Submitter {
	opts = opts.withDefaults()
	s := &Submitter{
		sender:    sender,
		codec:     codec,
		records:   records,
		metrics:   m,
		opts:      opts,
		logger:    logger.With().Str("component", "submitter").Str("chain", sender.ChainID()).Logger(),
		sequencer: newSequencer(),
	}
	s.scheduler = newScheduler(s)
	return s
}

// Submit advances rec as far as it can go now and returns the stored record.
// It is idempotent: terminal records are returned unchanged, FAILED records
// whose backoff has not elapsed are left alone, and in-flight records are
// resumed from their persisted state. A non-nil error means the store failed
// or ctx ended before the account became free.
func (s *Submitter) Submit(ctx context.Context, rec *store.RelayRecord) (*store.RelayRecord, error) {
	key := rec.Key()

	release, err := s.sequencer.acquire(ctx, s.sender.SignerAddress())
	if err != nil {
		return rec, err
	}
	defer release()

	current, err := s.records.Get(ctx, key)
	if err != nil {
		return rec, err
	}

	for {
		log := s.recordLogger(current)
		switch current.State {
		case store.StateConfirmed, store.StateDeadLettered, store.StateIgnored:
			return current, nil

		case store.StateDetected:
			current, err = s.transition(ctx, current, store.StateSubmitting, nil)
			if err != nil {
				return s.onConflict(ctx, key, err)
			}

		case store.StateFailed:
			if current.Attempts >= s.opts.MaxAttempts {
				return s.deadLetter(ctx, current, nil)
			}
			if current.NextAttemptAt != nil && current.NextAttemptAt.After(time.Now()) {
				log.Debug().Time("next_attempt_at", *current.NextAttemptAt).Msg("retry not due yet")
				return current, nil
			}
			log.Info().Msg("retrying failed submission")
			current, err = s.transition(ctx, current, store.StateSubmitting, nil)
			if err != nil {
				return s.onConflict(ctx, key, err)
			}

		case store.StateSubmitting:
			if ctx.Err() != nil {
				return current, nil
			}
			current, err = s.broadcast(ctx, current)
			if err != nil {
				return current, err
			}
			if current.State != store.StateSubmitted {
				return current, nil
			}

		case store.StateSubmitted:
			return s.confirm(ctx, current)

		default:
			return current, relayerrors.New(relayerrors.ErrCodeInternal, s.sender.ChainID(),
				"unknown record state "+string(current.State), nil)
		}
	}
}

// broadcast sends the unlock for a SUBMITTING record, or adopts the
// transaction signed by an earlier attempt if it reached the chain.
func (s *Submitter) broadcast(ctx context.Context, rec *store.RelayRecord) (*store.RelayRecord, error) {
	// store writes and the send itself outlive shutdown so the record always
	// lands in a state a restart can resume from
	persistCtx := context.WithoutCancel(ctx)
	chain := s.sender.ChainID()
	log := s.recordLogger(rec)

	if rec.LastDestTxHash != "" && rec.LastDestTxHash != store.AlreadyExecutedTxHash {
		status, err := s.sender.GetTxStatus(persistCtx, rec.LastDestTxHash)
		if err != nil {
			return s.fail(persistCtx, rec,
				relayerrors.NewTransientNetworkError(chain, "failed to query previous unlock transaction", err))
		}
		switch status.Kind {
		case common.TxPending, common.TxConfirmed:
			log.Info().
				Str("tx_hash", rec.LastDestTxHash).
				Str("status", string(status.Kind)).
				Msg("previous unlock transaction found, adopting it")
			s.metrics.ObserveSubmission(ctx, chain, metrics.SubmitAdopted)
			return s.transition(persistCtx, rec, store.StateSubmitted, func(r *store.RelayRecord) error {
				r.DestTxHash = r.LastDestTxHash
				return nil
			})
		}
		log.Info().
			Str("tx_hash", rec.LastDestTxHash).
			Str("status", string(status.Kind)).
			Msg("previous unlock transaction did not land, signing a new one")
	}

	callData, err := s.codec.EncodeUnlock(rec.LockEvent)
	if err != nil {
		return s.deadLetter(persistCtx, rec,
			relayerrors.NewFatalSendError(chain, "failed to encode confirmUnlock", err))
	}

	sendCtx, cancel := context.WithTimeout(persistCtx, s.opts.BroadcastTimeout)
	defer cancel()

	checkpointed := rec
	var checkpointErr error
	txHash, sendErr := s.sender.SendTransaction(sendCtx, common.TxRequest{
		To:       s.opts.DestContract,
		CallData: callData,
		BeforeBroadcast: func(hash string) error {
			updated, err := s.transition(persistCtx, checkpointed, store.StateSubmitting, func(r *store.RelayRecord) error {
				r.LastDestTxHash = hash
				return nil
			})
			if err != nil {
				checkpointErr = err
				return err
			}
			checkpointed = updated
			return nil
		},
	})
	if checkpointErr != nil {
		return checkpointed, checkpointErr
	}
	rec = checkpointed

	if sendErr != nil {
		var relayErr *relayerrors.RelayError
		if !relayerrors.As(sendErr, &relayErr) {
			// unclassified sender errors are transient; the retry budget bounds them
			sendErr = relayerrors.NewTransientSendError(chain, "broadcast failed", sendErr)
		}
		switch {
		case relayerrors.IsCode(sendErr, relayerrors.ErrCodeAlreadyExecuted):
			return s.alreadyExecuted(persistCtx, rec, sendErr)
		case relayerrors.IsRetryable(sendErr):
			return s.fail(persistCtx, rec, sendErr)
		default:
			return s.deadLetter(persistCtx, rec, sendErr)
		}
	}

	s.metrics.ObserveSubmission(ctx, chain, metrics.SubmitBroadcast)
	recLog := s.recordLogger(rec)
	recLog.Info().Str("tx_hash", txHash).Msg("unlock broadcast")
	return s.transition(persistCtx, rec, store.StateSubmitted, func(r *store.RelayRecord) error {
		r.DestTxHash = txHash
		r.LastDestTxHash = txHash
		return nil
	})
}

// confirm polls a SUBMITTED record's transaction until it is deep enough,
// reverts, or the confirmation timeout passes. Cancelling ctx leaves the
// record SUBMITTED.
func (s *Submitter) confirm(ctx context.Context, rec *store.RelayRecord) (*store.RelayRecord, error) {
	chain := s.sender.ChainID()
	log := s.recordLogger(rec)
	deadline := rec.UpdatedAt.Add(s.opts.ConfirmTimeout)

	ticker := time.NewTicker(s.opts.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		status, err := s.sender.GetTxStatus(ctx, rec.DestTxHash)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return rec, nil
			}
			log.Warn().Err(err).Msg("failed to query unlock transaction status")

		case status.Kind == common.TxConfirmed && status.Depth >= s.opts.ConfirmationDepth:
			updated, err := s.transition(ctx, rec, store.StateConfirmed, nil)
			if err != nil {
				if ctx.Err() != nil {
					return rec, nil
				}
				return s.onConflict(ctx, rec.Key(), err)
			}
			s.metrics.ObserveSubmission(ctx, chain, metrics.SubmitConfirmed)
			s.metrics.ObserveConfirmationLatency(ctx, chain, time.Since(rec.UpdatedAt).Milliseconds())
			log.Info().
				Uint64("depth", status.Depth).
				Uint64("block", status.BlockNumber).
				Msg("unlock confirmed")
			return updated, nil

		case status.Kind == common.TxReverted:
			return s.fail(context.WithoutCancel(ctx), rec,
				relayerrors.NewTransientConfirmError(chain, "unlock transaction "+rec.DestTxHash+" reverted", nil))

		default:
			log.Debug().
				Str("status", string(status.Kind)).
				Uint64("depth", status.Depth).
				Uint64("required", s.opts.ConfirmationDepth).
				Msg("waiting for unlock confirmation")
		}

		if !time.Now().Before(deadline) {
			return s.fail(context.WithoutCancel(ctx), rec,
				relayerrors.NewTransientConfirmError(chain, "unlock transaction "+rec.DestTxHash+" not confirmed in time", nil))
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down, record stays submitted")
			return rec, nil
		case <-ticker.C:
		}
	}
}

// fail records a retryable failure and dead-letters the record once it has
// used up its attempts.
func (s *Submitter) fail(ctx context.Context, rec *store.RelayRecord, cause error) (*store.RelayRecord, error) {
	chain := s.sender.ChainID()
	failed, err := s.transition(ctx, rec, store.StateFailed, func(r *store.RelayRecord) error {
		r.Attempts++
		r.LastError = cause.Error()
		next := time.Now().Add(s.opts.Backoff.Delay(r.Attempts))
		r.NextAttemptAt = &next
		return nil
	})
	if err != nil {
		return s.onConflict(ctx, rec.Key(), err)
	}
	s.metrics.ObserveSubmission(ctx, chain, metrics.SubmitFailed)

	if failed.Attempts >= s.opts.MaxAttempts {
		return s.deadLetter(ctx, failed, nil)
	}
	recLog := s.recordLogger(failed)
	recLog.Warn().
		Err(cause).
		Time("next_attempt_at", *failed.NextAttemptAt).
		Msg("unlock submission failed, will retry")
	return failed, nil
}

func (s *Submitter) deadLetter(ctx context.Context, rec *store.RelayRecord, cause error) (*store.RelayRecord, error) {
	dead, err := s.transition(ctx, rec, store.StateDeadLettered, func(r *store.RelayRecord) error {
		if cause != nil {
			r.Attempts++
			r.LastError = cause.Error()
		}
		r.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		return s.onConflict(ctx, rec.Key(), err)
	}
	s.metrics.ObserveSubmission(ctx, s.sender.ChainID(), metrics.SubmitDeadLettered)
	recLog := s.recordLogger(dead)
	recLog.Error().Str("last_error", dead.LastError).Msg("record dead-lettered, manual action required")
	return dead, nil
}

func (s *Submitter) alreadyExecuted(ctx context.Context, rec *store.RelayRecord, cause error) (*store.RelayRecord, error) {
	confirmed, err := s.transition(ctx, rec, store.StateConfirmed, func(r *store.RelayRecord) error {
		r.DestTxHash = r.LastDestTxHash
		if r.DestTxHash == "" {
			r.DestTxHash = store.AlreadyExecutedTxHash
		}
		r.LastError = cause.Error()
		r.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		return s.onConflict(ctx, rec.Key(), err)
	}
	s.metrics.ObserveSubmission(ctx, s.sender.ChainID(), metrics.SubmitAlreadyExecuted)
	recLog := s.recordLogger(confirmed)
	recLog.Info().Err(cause).Msg("unlock already executed on destination, record confirmed")
	return confirmed, nil
}

// transition moves rec from its current state to next
func (s *Submitter) transition(ctx context.Context, rec *store.RelayRecord, next store.State, mutate recordstore.Mutator) (*store.RelayRecord, error) {
	return s.records.CompareAndTransition(ctx, rec.Key(), rec.State, next, mutate)
}

// onConflict returns the stored record when another submission moved it
// first. Other errors are returned as they are.
func (s *Submitter) onConflict(ctx context.Context, key store.Key, err error) (*store.RelayRecord, error) {
	if !relayerrors.IsCode(err, relayerrors.ErrCodeStateConflict) {
		return nil, err
	}
	s.logger.Debug().Err(err).Str("key", key.String()).Msg("record moved concurrently")
	return s.records.Get(context.WithoutCancel(ctx), key)
}

func (s *Submitter) recordLogger(rec *store.RelayRecord) zerolog.Logger {
	return s.logger.With().
		Str("key", rec.Key().String()).
		Str("state", string(rec.State)).
		Int("attempts", rec.Attempts).
		Str("dest_tx_hash", rec.DestTxHash).
		Logger()
}
