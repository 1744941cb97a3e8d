// Package recordstore is the dedup and state store for relay records.
//
// Every state change goes through CompareAndTransition, which checks the
// expected state and the transition table inside a single database
// transaction. Records are never deleted.
package recordstore

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pushchain/bridge-relayer/relayer/db"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

const defaultPageSize = 100

// Mutator adjusts the non-identity fields of a record during a transition.
// It must not change the embedded LockEvent.
type Mutator func(r *store.RelayRecord) error

// Store provides database operations for relay records and scan cursors
type Store struct {
	database *db.DB
	pageSize int
	now      func() time.Time
}

// New creates a new record store
func New(database *db.DB) *Store {
	return &Store{
		database: database,
		pageSize: defaultPageSize,
		now:      time.Now,
	}
}

// WithPageSize sets the page size used by the listing iterators
func (s *Store) WithPageSize(n int) *Store {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

func (s *Store) client(ctx context.Context) (*gorm.DB, error) {
	if s.database == nil {
		return nil, relayerrors.NewDatabaseError("database is nil", nil)
	}
	return s.database.Client().WithContext(ctx), nil
}

// CreateIfAbsent inserts a record for ev in the given initial state unless one
// already exists for its identity key. It returns the stored record and
// whether this call created it. Only DETECTED and IGNORED are valid initial states.
func (s *Store) CreateIfAbsent(ctx context.Context, ev store.LockEvent, initial store.State) (*store.RelayRecord, bool, error) {
	if initial != store.StateDetected && initial != store.StateIgnored {
		return nil, false, relayerrors.New(relayerrors.ErrCodeInvalidTransition, ev.SourceChainID,
			"records can only be created as DETECTED or IGNORED, got "+string(initial), nil)
	}
	if _, err := ev.AmountInt(); err != nil {
		return nil, false, relayerrors.NewDecodeError(ev.SourceChainID, "refusing to store lock event", err)
	}

	client, err := s.client(ctx)
	if err != nil {
		return nil, false, err
	}

	ev.SourceTxHash = strings.ToLower(ev.SourceTxHash)
	record := &store.RelayRecord{
		LockEvent: ev,
		State:     initial,
	}

	res := client.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if res.Error != nil {
		return nil, false, relayerrors.NewDatabaseError("failed to create relay record", res.Error)
	}
	if res.RowsAffected == 1 {
		return record, true, nil
	}

	existing, err := s.Get(ctx, ev.Key())
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns the record for key, or a NOT_FOUND error
func (s *Store) Get(ctx context.Context, key store.Key) (*store.RelayRecord, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	return getByKey(client, key)
}

func getByKey(tx *gorm.DB, key store.Key) (*store.RelayRecord, error) {
	var record store.RelayRecord
	err := tx.
		Where("source_chain_id = ? AND source_tx_hash = ? AND log_index = ?",
			key.SourceChainID, strings.ToLower(key.SourceTxHash), key.LogIndex).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, relayerrors.NewNotFoundError(key.String())
	}
	if err != nil {
		return nil, relayerrors.NewDatabaseError("failed to load relay record "+key.String(), err)
	}
	return &record, nil
}

// CompareAndTransition atomically moves the record at key from expected to
// next, applying mutate to the record first. It fails with STATE_CONFLICT if
// the stored state is not expected, and with INVALID_TRANSITION if the state
// machine forbids expected -> next.
//
// The destination tx hash is cleared when next does not carry one, and is
// required when it does.
func (s *Store) CompareAndTransition(
	ctx context.Context,
	key store.Key,
	expected, next store.State,
	mutate Mutator,
) (*store.RelayRecord, error) {
	if !store.CanTransition(expected, next) {
		return nil, relayerrors.New(relayerrors.ErrCodeInvalidTransition, key.SourceChainID,
			"transition "+string(expected)+" -> "+string(next)+" is not allowed", nil).
			WithContext("key", key.String())
	}

	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	var updated *store.RelayRecord
	err = client.Transaction(func(tx *gorm.DB) error {
		current, err := getByKey(tx, key)
		if err != nil {
			return err
		}
		if current.State != expected {
			return relayerrors.NewStateConflictError(key.String(),
				"expected "+string(expected)+", found "+string(current.State))
		}

		candidate := *current
		if mutate != nil {
			if err := mutate(&candidate); err != nil {
				return err
			}
		}
		if candidate.LockEvent != current.LockEvent {
			return relayerrors.New(relayerrors.ErrCodeInvalidTransition, key.SourceChainID,
				"lock event fields are immutable", nil).WithContext("key", key.String())
		}

		candidate.State = next
		if !next.HasDestTxHash() {
			candidate.DestTxHash = ""
		} else if candidate.DestTxHash == "" {
			return relayerrors.New(relayerrors.ErrCodeInvalidTransition, key.SourceChainID,
				string(next)+" requires a destination tx hash", nil).WithContext("key", key.String())
		}
		candidate.UpdatedAt = s.now()

		res := tx.Model(&store.RelayRecord{}).
			Where("id = ? AND state = ?", current.ID, expected).
			Updates(map[string]any{
				"state":             candidate.State,
				"dest_tx_hash":      candidate.DestTxHash,
				"last_dest_tx_hash": candidate.LastDestTxHash,
				"attempts":          candidate.Attempts,
				"last_error":        candidate.LastError,
				"next_attempt_at":   candidate.NextAttemptAt,
				"updated_at":        candidate.UpdatedAt,
			})
		if res.Error != nil {
			return relayerrors.NewDatabaseError("failed to update relay record "+key.String(), res.Error)
		}
		if res.RowsAffected == 0 {
			return relayerrors.NewStateConflictError(key.String(), "record changed concurrently")
		}

		updated = &candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListByState returns a lazy, restartable sequence over all records in state,
// ordered by insertion. Each range over the sequence re-reads the store page by page.
func (s *Store) ListByState(ctx context.Context, state store.State) iter.Seq2[*store.RelayRecord, error] {
	return s.listWhere(ctx, "state = ?", state)
}

// ListNonTerminal returns a lazy sequence over every record that still has work left
func (s *Store) ListNonTerminal(ctx context.Context) iter.Seq2[*store.RelayRecord, error] {
	return s.listWhere(ctx, "state IN ?", store.NonTerminalStates())
}

func (s *Store) listWhere(ctx context.Context, query string, args ...any) iter.Seq2[*store.RelayRecord, error] {
	return func(yield func(*store.RelayRecord, error) bool) {
		client, err := s.client(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		var lastID uint
		for {
			var page []store.RelayRecord
			err := client.
				Where(query, args...).
				Where("id > ?", lastID).
				Order("id ASC").
				Limit(s.pageSize).
				Find(&page).Error
			if err != nil {
				yield(nil, relayerrors.NewDatabaseError("failed to list relay records", err))
				return
			}

			for i := range page {
				if !yield(&page[i], nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			lastID = page[len(page)-1].ID
		}
	}
}

// ListDueRetries returns FAILED records whose backoff has elapsed at now
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]store.RelayRecord, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	var records []store.RelayRecord
	if err := client.
		Where("state = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", store.StateFailed, now).
		Order("next_attempt_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, relayerrors.NewDatabaseError("failed to query due retries", err)
	}
	return records, nil
}

// ListStale returns records in state that have not been touched since updatedBefore
func (s *Store) ListStale(ctx context.Context, state store.State, updatedBefore time.Time, limit int) ([]store.RelayRecord, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	var records []store.RelayRecord
	if err := client.
		Where("state = ? AND updated_at < ?", state, updatedBefore).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, relayerrors.NewDatabaseError("failed to query stale records", err)
	}
	return records, nil
}

// CountByState returns the number of records per state
func (s *Store) CountByState(ctx context.Context) (map[store.State]int64, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		State store.State
		Count int64
	}
	if err := client.Model(&store.RelayRecord{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, relayerrors.NewDatabaseError("failed to count records", err)
	}

	counts := make(map[store.State]int64, len(store.AllStates))
	for _, st := range store.AllStates {
		counts[st] = 0
	}
	for _, row := range rows {
		counts[row.State] = row.Count
	}
	return counts, nil
}

// ArchiveTerminal marks terminal records last updated before the cutoff as
// archived and returns how many were marked. Archived records stay queryable.
func (s *Store) ArchiveTerminal(ctx context.Context, updatedBefore time.Time) (int64, error) {
	client, err := s.client(ctx)
	if err != nil {
		return 0, err
	}

	res := client.Model(&store.RelayRecord{}).
		Where("state IN ? AND archived_at IS NULL AND updated_at < ?",
			[]store.State{store.StateConfirmed, store.StateDeadLettered, store.StateIgnored}, updatedBefore).
		UpdateColumn("archived_at", s.now())
	if res.Error != nil {
		return 0, relayerrors.NewDatabaseError("failed to archive terminal records", res.Error)
	}
	return res.RowsAffected, nil
}

// GetCursor returns the next block to scan for chainID and whether one was stored
func (s *Store) GetCursor(ctx context.Context, chainID string) (uint64, bool, error) {
	client, err := s.client(ctx)
	if err != nil {
		return 0, false, err
	}

	var state store.ChainState
	err = client.Where("chain_id = ?", chainID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, relayerrors.NewDatabaseError("failed to get scan cursor", err)
	}
	return state.Cursor, true, nil
}

// SetCursor stores the next block to scan for chainID
func (s *Store) SetCursor(ctx context.Context, chainID string, cursor uint64) error {
	client, err := s.client(ctx)
	if err != nil {
		return err
	}

	state := store.ChainState{ChainID: chainID, Cursor: cursor, UpdatedAt: s.now()}
	err = client.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
	}).Create(&state).Error
	if err != nil {
		return relayerrors.NewDatabaseError("failed to set scan cursor", err)
	}
	return nil
}
