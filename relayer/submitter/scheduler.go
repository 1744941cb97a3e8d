package submitter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

// scheduler feeds records to the worker pool. A key is queued at most once
// at a time; records that do not fit are left to the sweeper.
type scheduler struct {
	s     *Submitter
	queue chan *store.RelayRecord

	mu      sync.Mutex
	pending map[store.Key]struct{}
}

func newScheduler(s *Submitter) *scheduler {
	return &scheduler{
		s:       s,
		queue:   make(chan *store.RelayRecord, s.opts.QueueSize),
		pending: make(map[store.Key]struct{}),
	}
}

// Enqueue schedules rec for submission. It reports false when the record is
// already scheduled or the queue is full.
func (s *Submitter) Enqueue(rec *store.RelayRecord) bool {
	return s.scheduler.enqueue(rec)
}

// EnqueueWait schedules rec, waiting for queue space until ctx is done.
// It returns nil without queueing when rec is already scheduled.
func (s *Submitter) EnqueueWait(ctx context.Context, rec *store.RelayRecord) error {
	q := s.scheduler
	key := rec.Key()
	if !q.claim(key) {
		return nil
	}
	select {
	case q.queue <- rec:
		return nil
	case <-ctx.Done():
		q.done(key)
		return ctx.Err()
	}
}

func (q *scheduler) claim(key store.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[key]; ok {
		return false
	}
	q.pending[key] = struct{}{}
	return true
}

func (q *scheduler) enqueue(rec *store.RelayRecord) bool {
	key := rec.Key()
	if !q.claim(key) {
		return false
	}

	select {
	case q.queue <- rec:
		return true
	default:
		q.done(key)
		q.s.logger.Warn().Str("key", key.String()).Msg("submit queue full, leaving record to the sweeper")
		return false
	}
}

func (q *scheduler) done(key store.Key) {
	q.mu.Lock()
	delete(q.pending, key)
	q.mu.Unlock()
}

// Run starts the worker pool and the retry sweeper and blocks until ctx is
// done or the store fails. Submissions in flight at cancellation finish
// their broadcast and bookkeeping before Run returns.
func (s *Submitter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			return s.scheduler.work(ctx)
		})
	}
	g.Go(func() error {
		return s.scheduler.sweep(ctx)
	})

	s.logger.Info().
		Int("workers", s.opts.Workers).
		Dur("sweep_interval", s.opts.SweepInterval).
		Msg("submitter started")
	err := g.Wait()
	s.logger.Info().Err(err).Msg("submitter stopped")
	return err
}

func (q *scheduler) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-q.queue:
			_, err := q.s.Submit(ctx, rec)
			q.done(rec.Key())
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if relayerrors.IsCode(err, relayerrors.ErrCodeDatabase) {
				return err
			}
			q.s.logger.Error().Err(err).Str("key", rec.Key().String()).Msg("submission stopped with error")
		}
	}
}

// sweep periodically schedules FAILED records whose backoff elapsed and
// DETECTED records that were never picked up.
func (q *scheduler) sweep(ctx context.Context) error {
	ticker := time.NewTicker(q.s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		if err := q.sweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (q *scheduler) sweepOnce(ctx context.Context) error {
	now := time.Now()
	limit := cap(q.queue)

	due, err := q.s.records.ListDueRetries(ctx, now, limit)
	if err != nil {
		return err
	}
	stale, err := q.s.records.ListStale(ctx, store.StateDetected, now.Add(-q.s.opts.SweepInterval), limit)
	if err != nil {
		return err
	}

	scheduled := 0
	for _, batch := range [][]store.RelayRecord{due, stale} {
		for i := range batch {
			if q.enqueue(&batch[i]) {
				scheduled++
			}
		}
	}
	if scheduled > 0 {
		q.s.logger.Debug().
			Int("due_retries", len(due)).
			Int("stale_detected", len(stale)).
			Int("scheduled", scheduled).
			Msg("sweep scheduled records")
	}
	return nil
}
