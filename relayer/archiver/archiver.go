package archiver

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-relayer/relayer/db"
	"github.com/pushchain/bridge-relayer/relayer/recordstore"
)

// Archiver periodically marks terminal records older than the retention
// period as archived. Archived records are kept and stay queryable.
type Archiver struct {
	records   *recordstore.Store
	database  *db.DB
	interval  time.Duration
	retention time.Duration
	logger    zerolog.Logger
}

// New creates a new archiver
func New(
	records *recordstore.Store,
	database *db.DB,
	interval time.Duration,
	retention time.Duration,
	logger zerolog.Logger,
) *Archiver {
	return &Archiver{
		records:   records,
		database:  database,
		interval:  interval,
		retention: retention,
		logger:    logger.With().Str("component", "archiver").Logger(),
	}
}

// Run archives once immediately, then on every interval until ctx is done.
// Archival failures are logged, never returned.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info().
		Str("interval", a.interval.String()).
		Str("retention", a.retention.String()).
		Msg("starting archiver")

	if _, err := a.ArchiveOnce(ctx); err != nil {
		a.logger.Error().Err(err).Msg("failed to perform initial archival")
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("context cancelled, stopping archiver")
			return nil
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.Error().Err(err).Msg("failed to perform scheduled archival")
			}
		}
	}
}

// ArchiveOnce archives terminal records last updated before now - retention
func (a *Archiver) ArchiveOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := start.Add(-a.retention)

	archived, err := a.records.ArchiveTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to archive records: %w", err)
	}

	if archived > 0 {
		a.logger.Info().
			Int64("archived_count", archived).
			Str("duration", time.Since(start).String()).
			Msg("terminal record archival completed")
		a.checkpointWAL()
	} else {
		a.logger.Debug().Msg("archival completed - no terminal records past retention")
	}
	return archived, nil
}

func (a *Archiver) checkpointWAL() {
	if a.database == nil || a.database.Driver() != db.DriverSQLite {
		return
	}
	if err := a.database.Client().Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		a.logger.Warn().Err(err).Msg("failed to checkpoint WAL")
	}
}
