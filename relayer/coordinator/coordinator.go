// Package coordinator owns the relayer lifecycle: crash recovery on
// startup, the source watcher, the submit workers and the auxiliary
// services, all stopped together on shutdown.
package coordinator

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pushchain/bridge-relayer/relayer/recordstore"
	"github.com/pushchain/bridge-relayer/relayer/store"
	"github.com/pushchain/bridge-relayer/relayer/submitter"
	"github.com/pushchain/bridge-relayer/relayer/watcher"
)

// Runner is a background service that blocks until ctx is done
type Runner interface {
	Run(ctx context.Context) error
}

// Coordinator wires the watcher to the submitter
type Coordinator struct {
	records   *recordstore.Store
	watcher   *watcher.Watcher
	submitter *submitter.Submitter
	services  map[string]Runner
	logger    zerolog.Logger
}

// New creates a coordinator. services run alongside the relay pipeline and
// are keyed by a name used in logs.
func New(
	records *recordstore.Store,
	w *watcher.Watcher,
	s *submitter.Submitter,
	services map[string]Runner,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		records:   records,
		watcher:   w,
		submitter: s,
		services:  services,
		logger:    logger.With().Str("component", "coordinator").Logger(),
	}
}

// Run recovers unfinished records, starts the pipeline and blocks until ctx
// is cancelled or a component fails. A store failure is returned as an
// error; a clean shutdown returns nil after in-flight submissions have
// reached a persisted state.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info().Msg("starting relayer")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.submitter.Run(gctx)
	})
	g.Go(func() error {
		recovered, err := c.Recover(gctx)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "startup recovery failed")
		}
		c.logger.Info().Int("recovered", recovered).Msg("startup recovery complete, starting watcher")

		return c.watcher.Run(gctx, func(rec *store.RelayRecord) {
			c.submitter.Enqueue(rec)
		})
	})
	for name, svc := range c.services {
		g.Go(func() error {
			if err := svc.Run(gctx); err != nil {
				return errors.Wrapf(err, "%s failed", name)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		c.logger.Error().Err(err).Msg("relayer stopped on error")
		return err
	}
	c.logger.Info().Msg("relayer stopped")
	return nil
}

// Recover schedules every non-terminal record. Records in SUBMITTING or
// SUBMITTED are re-queried on the destination chain before anything is
// re-broadcast. It returns the number of records scheduled.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for rec, err := range c.records.ListNonTerminal(ctx) {
		if err != nil {
			return recovered, err
		}
		c.logger.Info().
			Str("key", rec.Key().String()).
			Str("state", string(rec.State)).
			Int("attempts", rec.Attempts).
			Str("last_dest_tx_hash", rec.LastDestTxHash).
			Msg("resuming record")
		if err := c.submitter.EnqueueWait(ctx, rec); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
