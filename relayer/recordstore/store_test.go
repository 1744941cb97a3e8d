package recordstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-relayer/relayer/db"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database)
}

func lockEvent(hash string, logIndex uint) store.LockEvent {
	return store.LockEvent{
		SourceChainID: "1",
		SourceTxHash:  hash,
		LogIndex:      logIndex,
		DestChainID:   "2",
		User:          "0x00000000000000000000000000000000000000aa",
		Token:         "0x00000000000000000000000000000000000000bb",
		Amount:        "1000",
		BlockNumber:   1000,
	}
}

func TestNilDatabase(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	_, _, err := s.CreateIfAbsent(ctx, lockEvent("0x1", 0), store.StateDetected)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is nil")

	_, err = s.Get(ctx, store.Key{SourceChainID: "1", SourceTxHash: "0x1"})
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDatabase))
}

func TestCreateIfAbsent(t *testing.T) {
	ctx := context.Background()

	t.Run("creates once and returns existing afterwards", func(t *testing.T) {
		s := newTestStore(t)
		rec, created, err := s.CreateIfAbsent(ctx, lockEvent("0xAA", 0), store.StateDetected)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, store.StateDetected, rec.State)
		assert.Equal(t, "0xaa", rec.SourceTxHash)

		again, created, err := s.CreateIfAbsent(ctx, lockEvent("0xaa", 0), store.StateDetected)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, rec.ID, again.ID)
	})

	t.Run("ignored records are created terminal", func(t *testing.T) {
		s := newTestStore(t)
		rec, created, err := s.CreateIfAbsent(ctx, lockEvent("0xbb", 0), store.StateIgnored)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, store.StateIgnored, rec.State)
	})

	t.Run("rejects other initial states", func(t *testing.T) {
		s := newTestStore(t)
		_, _, err := s.CreateIfAbsent(ctx, lockEvent("0xcc", 0), store.StateSubmitted)
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeInvalidTransition))
	})

	t.Run("rejects malformed amount", func(t *testing.T) {
		s := newTestStore(t)
		ev := lockEvent("0xdd", 0)
		ev.Amount = "-5"
		_, _, err := s.CreateIfAbsent(ctx, ev, store.StateDetected)
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDecode))
	})
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), store.Key{SourceChainID: "1", SourceTxHash: "0xmissing"})
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeNotFound))
}

func TestCompareAndTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("full happy path", func(t *testing.T) {
		s := newTestStore(t)
		rec, _, err := s.CreateIfAbsent(ctx, lockEvent("0x01", 0), store.StateDetected)
		require.NoError(t, err)
		key := rec.Key()

		rec, err = s.CompareAndTransition(ctx, key, store.StateDetected, store.StateSubmitting, nil)
		require.NoError(t, err)
		assert.Equal(t, store.StateSubmitting, rec.State)

		rec, err = s.CompareAndTransition(ctx, key, store.StateSubmitting, store.StateSubmitting,
			func(r *store.RelayRecord) error { r.LastDestTxHash = "0xdest"; return nil })
		require.NoError(t, err)
		assert.Equal(t, "0xdest", rec.LastDestTxHash)
		assert.Empty(t, rec.DestTxHash)

		rec, err = s.CompareAndTransition(ctx, key, store.StateSubmitting, store.StateSubmitted,
			func(r *store.RelayRecord) error { r.DestTxHash = r.LastDestTxHash; return nil })
		require.NoError(t, err)
		assert.Equal(t, "0xdest", rec.DestTxHash)

		_, err = s.CompareAndTransition(ctx, key, store.StateSubmitted, store.StateConfirmed, nil)
		require.NoError(t, err)

		stored, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, store.StateConfirmed, stored.State)
		assert.Equal(t, "0xdest", stored.DestTxHash)
	})

	t.Run("state mismatch is a conflict", func(t *testing.T) {
		s := newTestStore(t)
		rec, _, err := s.CreateIfAbsent(ctx, lockEvent("0x02", 0), store.StateDetected)
		require.NoError(t, err)

		_, err = s.CompareAndTransition(ctx, rec.Key(), store.StateFailed, store.StateSubmitting, nil)
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeStateConflict))

		stored, err := s.Get(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, store.StateDetected, stored.State)
	})

	t.Run("illegal transition is rejected", func(t *testing.T) {
		s := newTestStore(t)
		rec, _, err := s.CreateIfAbsent(ctx, lockEvent("0x03", 0), store.StateIgnored)
		require.NoError(t, err)

		_, err = s.CompareAndTransition(ctx, rec.Key(), store.StateIgnored, store.StateSubmitting, nil)
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeInvalidTransition))
	})

	t.Run("lock event fields are immutable", func(t *testing.T) {
		s := newTestStore(t)
		rec, _, err := s.CreateIfAbsent(ctx, lockEvent("0x04", 0), store.StateDetected)
		require.NoError(t, err)

		_, err = s.CompareAndTransition(ctx, rec.Key(), store.StateDetected, store.StateSubmitting,
			func(r *store.RelayRecord) error { r.Amount = "999999"; return nil })
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeInvalidTransition))

		stored, err := s.Get(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, "1000", stored.Amount)
		assert.Equal(t, store.StateDetected, stored.State)
	})

	t.Run("submitted requires a destination hash", func(t *testing.T) {
		s := newTestStore(t)
		rec, _, err := s.CreateIfAbsent(ctx, lockEvent("0x05", 0), store.StateDetected)
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, rec.Key(), store.StateDetected, store.StateSubmitting, nil)
		require.NoError(t, err)

		_, err = s.CompareAndTransition(ctx, rec.Key(), store.StateSubmitting, store.StateSubmitted, nil)
		assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeInvalidTransition))
	})

	t.Run("failed clears the destination hash but keeps the last one", func(t *testing.T) {
		s := newTestStore(t)
		rec, _, err := s.CreateIfAbsent(ctx, lockEvent("0x06", 0), store.StateDetected)
		require.NoError(t, err)
		key := rec.Key()
		_, err = s.CompareAndTransition(ctx, key, store.StateDetected, store.StateSubmitting, nil)
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, key, store.StateSubmitting, store.StateSubmitted,
			func(r *store.RelayRecord) error { r.DestTxHash = "0xd"; r.LastDestTxHash = "0xd"; return nil })
		require.NoError(t, err)

		rec, err = s.CompareAndTransition(ctx, key, store.StateSubmitted, store.StateFailed,
			func(r *store.RelayRecord) error { r.Attempts++; r.LastError = "receipt timeout"; return nil })
		require.NoError(t, err)
		assert.Empty(t, rec.DestTxHash)
		assert.Equal(t, "0xd", rec.LastDestTxHash)
		assert.Equal(t, 1, rec.Attempts)
	})

	t.Run("mutator error aborts the transition", func(t *testing.T) {
		s := newTestStore(t)
		rec, _, err := s.CreateIfAbsent(ctx, lockEvent("0x07", 0), store.StateDetected)
		require.NoError(t, err)

		_, err = s.CompareAndTransition(ctx, rec.Key(), store.StateDetected, store.StateSubmitting,
			func(r *store.RelayRecord) error { return fmt.Errorf("boom") })
		require.Error(t, err)

		stored, err := s.Get(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, store.StateDetected, stored.State)
	})
}

func TestListByStatePagesLazily(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t).WithPageSize(2)

	for i := 0; i < 5; i++ {
		_, _, err := s.CreateIfAbsent(ctx, lockEvent(fmt.Sprintf("0x%02d", i), 0), store.StateDetected)
		require.NoError(t, err)
	}
	_, _, err := s.CreateIfAbsent(ctx, lockEvent("0xff", 0), store.StateIgnored)
	require.NoError(t, err)

	var hashes []string
	for rec, err := range s.ListByState(ctx, store.StateDetected) {
		require.NoError(t, err)
		hashes = append(hashes, rec.SourceTxHash)
	}
	assert.Equal(t, []string{"0x00", "0x01", "0x02", "0x03", "0x04"}, hashes)

	// restartable
	count := 0
	for _, err := range s.ListByState(ctx, store.StateDetected) {
		require.NoError(t, err)
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)

	nonTerminal := 0
	for _, err := range s.ListNonTerminal(ctx) {
		require.NoError(t, err)
		nonTerminal++
	}
	assert.Equal(t, 5, nonTerminal)
}

func TestListDueRetriesAndStale(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	failRecord := func(hash string, next time.Time) {
		rec, _, err := s.CreateIfAbsent(ctx, lockEvent(hash, 0), store.StateDetected)
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, rec.Key(), store.StateDetected, store.StateSubmitting, nil)
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, rec.Key(), store.StateSubmitting, store.StateFailed,
			func(r *store.RelayRecord) error { r.NextAttemptAt = &next; return nil })
		require.NoError(t, err)
	}
	failRecord("0xdue", now.Add(-time.Second))
	failRecord("0xlater", now.Add(time.Hour))

	due, err := s.ListDueRetries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "0xdue", due[0].SourceTxHash)

	_, _, err = s.CreateIfAbsent(ctx, lockEvent("0xdetected", 0), store.StateDetected)
	require.NoError(t, err)
	stale, err := s.ListStale(ctx, store.StateDetected, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "0xdetected", stale[0].SourceTxHash)

	stale, err = s.ListStale(ctx, store.StateDetected, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestCountAndArchive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.CreateIfAbsent(ctx, lockEvent("0x1", 0), store.StateDetected)
	require.NoError(t, err)
	_, _, err = s.CreateIfAbsent(ctx, lockEvent("0x2", 0), store.StateIgnored)
	require.NoError(t, err)
	_, _, err = s.CreateIfAbsent(ctx, lockEvent("0x3", 0), store.StateIgnored)
	require.NoError(t, err)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[store.StateDetected])
	assert.Equal(t, int64(2), counts[store.StateIgnored])
	assert.Equal(t, int64(0), counts[store.StateConfirmed])

	archived, err := s.ArchiveTerminal(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), archived)

	archived, err = s.ArchiveTerminal(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), archived)

	rec, err := s.Get(ctx, store.Key{SourceChainID: "1", SourceTxHash: "0x2"})
	require.NoError(t, err)
	assert.NotNil(t, rec.ArchivedAt)
	assert.Equal(t, store.StateIgnored, rec.State)
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetCursor(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetCursor(ctx, "1", 100))
	require.NoError(t, s.SetCursor(ctx, "1", 250))

	cursor, ok, err := s.GetCursor(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(250), cursor)
}

// Delivering the same lock event any number of times yields exactly one record.
func TestCreateIfAbsentDedupProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("redelivery never creates a second record", prop.ForAll(
		func(deliveries int, logIndex uint) bool {
			ctx := context.Background()
			database, err := db.OpenInMemoryDB(true)
			if err != nil {
				return false
			}
			defer database.Close()
			s := New(database)

			created := 0
			for i := 0; i < deliveries; i++ {
				_, isNew, err := s.CreateIfAbsent(ctx, lockEvent("0xfeed", logIndex), store.StateDetected)
				if err != nil {
					return false
				}
				if isNew {
					created++
				}
			}

			counts, err := s.CountByState(ctx)
			if err != nil {
				return false
			}
			return created == 1 && counts[store.StateDetected] == 1
		},
		gen.IntRange(1, 20),
		gen.UIntRange(0, 64),
	))

	properties.TestingRun(t)
}

func TestCreateIfAbsentConcurrentDelivery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// two handles on one file, as two relayer processes would share it
	first, err := db.OpenFileDB(dir, "relay.db", true)
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })
	second, err := db.OpenFileDB(dir, "relay.db", false)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })
	stores := []*Store{New(first), New(second)}

	const deliveries = 8
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		errs    = make(chan error, deliveries)
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			rec, isNew, err := s.CreateIfAbsent(ctx, lockEvent("0xRACE", 4), store.StateDetected)
			if err != nil {
				errs <- err
				return
			}
			if isNew {
				created.Add(1)
			}
			if rec.SourceTxHash != "0xrace" {
				errs <- fmt.Errorf("unexpected record %s", rec.Key())
			}
		}(stores[i%len(stores)])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), created.Load())

	counts, err := stores[0].CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[store.StateDetected])
}
