package comm

import (
	"container/heap"
	"sync"
	"time"

	"github.com/hypercomm/hypercomm/internal/logger"
)

// reactor is a single-threaded event loop. Each connection is pinned to one
// reactor for its lifetime, and all of the connection's dispatch state --
// pending-request table, group queues, message-id counter -- is touched only
// from that reactor's goroutine, so it needs no locks.
//
// Off-loop callers hand the reactor work through post, the wakeup queue of
// the design: closures are buffered under a short lock and the loop is
// nudged through a non-blocking channel send. The loop drains the queue at
// the top of each iteration, fires due timers, then sleeps until the next
// deadline or wakeup, never longer than the poll interval.
type reactor struct {
	id   int
	poll time.Duration

	mu    sync.Mutex
	queue []func()

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}

	// timers is loop-private.
	timers timerHeap
}

func newReactor(id int, poll time.Duration) *reactor {
	return &reactor{
		id:     id,
		poll:   poll,
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// post enqueues fn for execution on the reactor goroutine and wakes the
// loop. Safe from any goroutine, including the reactor's own.
func (r *reactor) post(fn func()) {
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// addTimer schedules fn to run on the loop at or after the deadline. Must be
// called from the reactor goroutine; off-loop callers go through post.
func (r *reactor) addTimer(at time.Time, fn func()) {
	heap.Push(&r.timers, &timerEntry{at: at, fn: fn})
}

func (r *reactor) run() {
	defer close(r.done)

	for {
		// Drain the wakeup queue. Swapping the slice keeps the lock off
		// the handler invocations.
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		now := time.Now()
		for len(r.timers) > 0 && !r.timers[0].at.After(now) {
			entry := heap.Pop(&r.timers).(*timerEntry)
			entry.fn()
		}

		wait := r.poll
		if len(r.timers) > 0 {
			if until := time.Until(r.timers[0].at); until < wait {
				wait = until
			}
			if wait < 0 {
				wait = 0
			}
		}

		select {
		case <-r.notify:
		case <-time.After(wait):
		case <-r.quit:
			r.drainOnExit()
			return
		}
	}
}

// drainOnExit runs commands posted between the last drain and shutdown so
// teardown work queued during Shutdown still executes.
func (r *reactor) drainOnExit() {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, fn := range batch {
		fn()
	}

	if len(r.timers) > 0 {
		logger.Debug("reactor stopping with timers armed",
			logger.KeyReactor, r.id, logger.KeyTimers, len(r.timers))
	}
}

func (r *reactor) stop() {
	close(r.quit)
	<-r.done
}

// timerEntry pairs a deadline with the closure to run at it.
type timerEntry struct {
	at time.Time
	fn func()
}

// timerHeap is a min-heap of timer entries keyed by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
