package dispatcher

import (
	"math/rand"
	"sync"
	"time"

	"github.com/anchor/retcon/utils"
)

// retryEntry is one scheduled retry: the coalescing key and job to requeue
// once deadline passes.
type retryEntry struct {
	deadline int64 // unix nanos
	key      string
	job      *job
}

// retryScheduler holds pending retries ordered by deadline in a min-heap of
// the deadlines themselves (utils.Heap[int64], see DESIGN.md), with a side
// map from deadline to the entries due at that instant to let the heap
// stay over a plain Ordered type.
type retryScheduler struct {
	mu         sync.Mutex
	heap       utils.Heap[int64]
	byDeadline map[int64][]*retryEntry
	wake       chan struct{}
	done       chan struct{}
}

func newRetryScheduler() *retryScheduler {
	return &retryScheduler{
		byDeadline: map[int64][]*retryEntry{},
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// schedule arms a retry for key/job at deadline.
func (rs *retryScheduler) schedule(deadline time.Time, key string, j *job) {
	ts := deadline.UnixNano()
	rs.mu.Lock()
	rs.heap.Push(ts)
	rs.byDeadline[ts] = append(rs.byDeadline[ts], &retryEntry{deadline: ts, key: key, job: j})
	rs.mu.Unlock()
	select {
	case rs.wake <- struct{}{}:
	default:
	}
}

func (rs *retryScheduler) stop() { close(rs.done) }

// run blocks firing fire(key, job) for every retry as its deadline elapses,
// until stop is called.
func (rs *retryScheduler) run(fire func(key string, j *job)) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		rs.mu.Lock()
		wait := time.Hour
		if rs.heap.Len() > 0 {
			next := time.Unix(0, rs.heap.Peek())
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		rs.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-rs.done:
			return
		case <-rs.wake:
			continue
		case <-timer.C:
			rs.fireDue(fire)
		}
	}
}

func (rs *retryScheduler) fireDue(fire func(key string, j *job)) {
	now := time.Now().UnixNano()
	var due []*retryEntry
	rs.mu.Lock()
	for rs.heap.Len() > 0 && rs.heap.Peek() <= now {
		ts := rs.heap.Pop()
		entries := rs.byDeadline[ts]
		delete(rs.byDeadline, ts)
		due = append(due, entries...)
	}
	rs.mu.Unlock()

	for _, e := range due {
		fire(e.key, e.job)
	}
}

// backoff computes the exponential-backoff-with-jitter delay for attempt
// (1-indexed): doubles each attempt up to cap, then adds ±25% jitter.
func backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	jitter := 0.75 + rand.Float64()*0.5 // [0.75, 1.25]
	return time.Duration(float64(d) * jitter)
}
