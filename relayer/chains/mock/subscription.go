package mock

import (
	"context"
	"sync"

	"github.com/pushchain/bridge-relayer/relayer/chains/common"
)

// subscription queues events without bound so the ledger never blocks on a slow consumer
type subscription struct {
	from     uint64
	events   chan common.RawEvent
	errCh    chan error
	notify   chan struct{}
	done     chan struct{}
	once     sync.Once
	onDetach func(*subscription)

	mu      sync.Mutex
	queue   []common.RawEvent
	failErr error
}

var _ common.Subscription = (*subscription)(nil)

func newSubscription(from uint64, onDetach func(*subscription)) *subscription {
	return &subscription{
		from:     from,
		events:   make(chan common.RawEvent),
		errCh:    make(chan error, 1),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		onDetach: onDetach,
	}
}

func (s *subscription) Events() <-chan common.RawEvent { return s.events }

func (s *subscription) Err() <-chan error { return s.errCh }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.onDetach(s)
	})
}

func (s *subscription) push(ev common.RawEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

// fail delivers queued events, then err
func (s *subscription) fail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
	s.wake()
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.events)
	defer s.Unsubscribe()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			failErr := s.failErr
			s.mu.Unlock()
			if failErr != nil {
				s.errCh <- failErr
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
