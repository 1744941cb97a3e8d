package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
	"github.com/pushchain/bridge-relayer/relayer/chains/mock"
	"github.com/pushchain/bridge-relayer/relayer/db"
	relayerrors "github.com/pushchain/bridge-relayer/relayer/errors"
	"github.com/pushchain/bridge-relayer/relayer/metrics"
	"github.com/pushchain/bridge-relayer/relayer/recordstore"
	"github.com/pushchain/bridge-relayer/relayer/store"
	"github.com/pushchain/bridge-relayer/relayer/submitter"
	"github.com/pushchain/bridge-relayer/relayer/watcher"
)

const destContract = "0x0000000000000000000000000000000000000002"

type relay struct {
	database    *db.DB
	records     *recordstore.Store
	source      *mock.Ledger
	dest        *mock.Ledger
	coordinator *Coordinator
}

func newRelay(t *testing.T, finality uint64, services map[string]Runner) *relay {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	r := &relay{
		database: database,
		records:  recordstore.New(database),
		source:   mock.New("1"),
		dest:     mock.New("2"),
	}
	r.source.SetHead(1000)
	r.dest.SetAutoMine(true)
	r.build(finality, services)
	return r
}

// build creates fresh pipeline components over the same store and ledgers,
// as a restarted process would
func (r *relay) build(finality uint64, services map[string]Runner) {
	backoff := relayerrors.BackoffPolicy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	m := metrics.NewNop()
	w := watcher.New(r.source, mock.Codec{}, r.records, watcher.Options{
		DestChainID:   "2",
		FinalityDepth: finality,
		PollInterval:  10 * time.Millisecond,
		Backoff:       backoff,
	}, m, zerolog.Nop())
	s := submitter.New(r.dest, mock.Codec{}, r.records, submitter.Options{
		DestContract:        destContract,
		ConfirmationDepth:   1,
		MaxAttempts:         3,
		Backoff:             backoff,
		Workers:             2,
		ConfirmPollInterval: 5 * time.Millisecond,
		ConfirmTimeout:      2 * time.Second,
		SweepInterval:       20 * time.Millisecond,
	}, m, zerolog.Nop())
	r.coordinator = New(r.records, w, s, services, zerolog.Nop())
}

func (r *relay) start(t *testing.T) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.coordinator.Run(ctx) }()

	stopped := false
	cancel = func() error {
		if stopped {
			return nil
		}
		stopped = true
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			t.Error("coordinator did not stop")
			return nil
		}
	}
	t.Cleanup(func() { cancel() })
	return cancel
}

func (r *relay) state(hash string) store.State {
	rec, err := r.records.Get(context.Background(), store.Key{SourceChainID: "1", SourceTxHash: hash})
	if err != nil {
		return ""
	}
	return rec.State
}

func lock(amount, dest string) mock.LockPayload {
	return mock.LockPayload{
		User:        "0x00000000000000000000000000000000000000aa",
		Token:       "0x00000000000000000000000000000000000000bb",
		Amount:      amount,
		DestChainID: dest,
	}
}

func TestLockIsRelayedAfterFinality(t *testing.T) {
	r := newRelay(t, 5, nil)
	r.start(t)

	r.source.AddLock("0xlock", 0, 1000, lock("500", "2"))
	assert.Never(t, func() bool { return r.state("0xlock") != "" }, 100*time.Millisecond, 10*time.Millisecond)

	r.source.SetHead(1005)
	require.Eventually(t, func() bool { return r.state("0xlock") == store.StateConfirmed }, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []mock.UnlockCall{{
		Token:         "0x00000000000000000000000000000000000000bb",
		Amount:        "500",
		User:          "0x00000000000000000000000000000000000000aa",
		SourceChainID: "1",
	}}, r.dest.ExecutedUnlocks())
}

func TestRedeliveredLockIsRelayedOnce(t *testing.T) {
	r := newRelay(t, 0, nil)
	r.start(t)

	r.source.AddLock("0xdup", 0, 1001, lock("1", "2"))
	for i := 0; i < 5; i++ {
		r.source.Redeliver()
	}
	require.Eventually(t, func() bool { return r.state("0xdup") == store.StateConfirmed }, 3*time.Second, 10*time.Millisecond)

	r.source.Redeliver()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, r.dest.Broadcasts())
	assert.Len(t, r.dest.Checkpoints(), 1)
}

func TestWrongDestinationIsIgnored(t *testing.T) {
	r := newRelay(t, 0, nil)
	r.start(t)

	r.source.AddLock("0xelsewhere", 0, 1001, lock("1", "77"))
	require.Eventually(t, func() bool { return r.state("0xelsewhere") == store.StateIgnored }, 3*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.dest.Broadcasts())
}

func TestRestartResumesWithoutSecondBroadcast(t *testing.T) {
	ctx := context.Background()
	r := newRelay(t, 0, nil)

	// state left behind by a process that died right after broadcasting
	submitting, _, err := r.records.CreateIfAbsent(ctx, store.LockEvent{
		SourceChainID: "1",
		SourceTxHash:  "0xinflight",
		DestChainID:   "2",
		User:          "0xaa",
		Token:         "0xbb",
		Amount:        "9",
		BlockNumber:   990,
	}, store.StateDetected)
	require.NoError(t, err)
	_, err = r.records.CompareAndTransition(ctx, submitting.Key(), store.StateDetected, store.StateSubmitting, nil)
	require.NoError(t, err)

	callData, err := mock.Codec{}.EncodeUnlock(submitting.LockEvent)
	require.NoError(t, err)
	hash, err := r.dest.SendTransaction(ctx, common.TxRequest{
		To:       destContract,
		CallData: callData,
		BeforeBroadcast: func(h string) error {
			_, err := r.records.CompareAndTransition(ctx, submitting.Key(), store.StateSubmitting, store.StateSubmitting,
				func(rec *store.RelayRecord) error {
					rec.LastDestTxHash = h
					return nil
				})
			return err
		},
	})
	require.NoError(t, err)

	// and a record it had not picked up yet
	_, _, err = r.records.CreateIfAbsent(ctx, store.LockEvent{
		SourceChainID: "1",
		SourceTxHash:  "0xwaiting",
		DestChainID:   "2",
		User:          "0xaa",
		Token:         "0xbb",
		Amount:        "10",
		BlockNumber:   991,
	}, store.StateDetected)
	require.NoError(t, err)

	r.start(t)
	require.Eventually(t, func() bool {
		return r.state("0xinflight") == store.StateConfirmed && r.state("0xwaiting") == store.StateConfirmed
	}, 3*time.Second, 10*time.Millisecond)

	rec, err := r.records.Get(ctx, submitting.Key())
	require.NoError(t, err)
	assert.Equal(t, hash, rec.DestTxHash)
	assert.Equal(t, 2, r.dest.Broadcasts())
}

func TestShutdownKeepsSubmittedRecord(t *testing.T) {
	r := newRelay(t, 0, nil)
	r.dest.SetAutoMine(false)
	stop := r.start(t)

	r.source.AddLock("0xpending", 0, 1001, lock("3", "2"))
	require.Eventually(t, func() bool { return r.state("0xpending") == store.StateSubmitted }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, store.StateSubmitted, r.state("0xpending"))

	// the next process picks it up from the destination chain
	r.dest.MinePending()
	r.build(0, nil)
	r.start(t)
	require.Eventually(t, func() bool { return r.state("0xpending") == store.StateConfirmed }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.dest.Broadcasts())
}

type failingService struct{}

func (failingService) Run(ctx context.Context) error {
	return relayerrors.NewDatabaseError("disk I/O error", nil)
}

func TestServiceFailureStopsRelayer(t *testing.T) {
	r := newRelay(t, 0, map[string]Runner{"archiver": failingService{}})

	err := r.coordinator.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archiver failed")
	assert.True(t, relayerrors.IsCode(err, relayerrors.ErrCodeDatabase))
}

func TestStoreUnavailableAtStartupIsFatal(t *testing.T) {
	r := newRelay(t, 0, nil)
	require.NoError(t, r.database.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := r.coordinator.Run(ctx)
	require.Error(t, err)
	assert.NoError(t, ctx.Err(), "Run should fail on its own, not time out")
}
