package submitter

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// sequencer allows one outstanding submission per signing account
type sequencer struct {
	mu       sync.Mutex
	accounts map[string]*semaphore.Weighted
}

func newSequencer() *sequencer {
	return &sequencer{accounts: make(map[string]*semaphore.Weighted)}
}

// acquire blocks until account is free or ctx is done
func (q *sequencer) acquire(ctx context.Context, account string) (func(), error) {
	q.mu.Lock()
	sem, ok := q.accounts[account]
	if !ok {
		sem = semaphore.NewWeighted(1)
		q.accounts[account] = sem
	}
	q.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
