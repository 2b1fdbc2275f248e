package recommend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/adaptive.scan/internal/timeutil"
)

var (
	// ErrTimeout is returned by Get when nothing arrives within the wait.
	ErrTimeout = errors.New("timed out waiting for a recommendation")
	// ErrEmpty is returned by TryGet when the queue is empty.
	ErrEmpty = errors.New("recommendation queue is empty")
	// ErrClosed is returned by Put after Close, and by Get and TryGet once a
	// closed queue has been emptied.
	ErrClosed = errors.New("recommendation queue is closed")
)

// Queue is an unbounded FIFO of recommendations. Put never blocks. One
// consumer at a time may wait in Get; an abandoned Get leaves the queue
// unchanged.
type Queue struct {
	clock timeutil.Clock

	mu     sync.Mutex
	items  []Recommendation
	closed bool

	// ready holds at most one wake-up for a waiting Get.
	ready chan struct{}
}

// NewQueue returns an empty queue. A nil clock uses the wall clock.
func NewQueue(clock timeutil.Clock) *Queue {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Queue{clock: clock, ready: make(chan struct{}, 1)}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Put appends r.
func (q *Queue) Put(r Recommendation) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.signal()
	return nil
}

// TryGet removes and returns the oldest recommendation without waiting.
func (q *Queue) TryGet() (Recommendation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		if q.closed {
			return Recommendation{}, ErrClosed
		}
		return Recommendation{}, ErrEmpty
	}
	r := q.items[0]
	q.items[0] = Recommendation{}
	q.items = q.items[1:]
	if len(q.items) > 0 || q.closed {
		q.signal()
	}
	return r, nil
}

// Get removes and returns the oldest recommendation, waiting up to timeout
// for one to arrive. A non-positive timeout waits until ctx is done.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (Recommendation, error) {
	if r, err := q.TryGet(); !errors.Is(err, ErrEmpty) {
		return r, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := q.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C()
	}
	for {
		select {
		case <-q.ready:
			r, err := q.TryGet()
			if errors.Is(err, ErrEmpty) {
				continue
			}
			return r, err
		case <-expired:
			return Recommendation{}, ErrTimeout
		case <-ctx.Done():
			return Recommendation{}, ctx.Err()
		}
	}
}

// Drain discards everything queued and returns how many items it dropped.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Len returns the number of queued recommendations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further Puts and wakes a waiting Get. Items already queued
// can still be taken.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}
