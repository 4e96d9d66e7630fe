// Package deferred runs graph-mutating work off the streaming threads.
//
// Pad-probe callbacks must never release pads or remove elements: doing so
// from inside a probe on the same pad deadlocks. They hand that work to a
// Queue, which runs it on a single worker goroutine.
package deferred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("deferred: queue stopped")

// Task is a unit of deferred work. Tasks must tolerate running against a
// partially torn-down port.
type Task func()

// Stats is a snapshot of queue counters.
type Stats struct {
	Executed     uint64
	Deduplicated uint64
	Rejected     uint64
	Panics       uint64
	Pending      int
}

type item struct {
	key int
	fn  Task
}

// Queue is a single-worker FIFO keyed by port id.
//
// At most one task per key is pending or running at any time; enqueueing a
// key that is already in flight is a no-op. Enqueue never blocks, so it is
// safe to call from streaming threads and with the mixer lock held.
//
// Goroutine topology:
//   - 1 fixed: worker (spawned by Start, exits after Stop drains the queue)
type Queue struct {
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []item
	inFlight map[int]struct{}
	stopping bool

	startedMu sync.Mutex
	started   bool
	stopped   bool
	wg        sync.WaitGroup

	executed     atomic.Uint64
	deduplicated atomic.Uint64
	rejected     atomic.Uint64
	panics       atomic.Uint64
}

// New creates a queue. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		logger:   logger,
		inFlight: make(map[int]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start spawns the worker. Tasks enqueued before Start run once it begins.
// Cancelling ctx has the same effect as Stop without waiting.
func (q *Queue) Start(ctx context.Context) error {
	q.startedMu.Lock()
	defer q.startedMu.Unlock()

	if q.stopped {
		return ErrStopped
	}
	if q.started {
		return fmt.Errorf("deferred: queue already started")
	}
	q.started = true

	context.AfterFunc(ctx, q.beginStop)

	q.wg.Add(1)
	go q.run()

	return nil
}

// Stop stops accepting work, waits for pending tasks to finish and returns.
//
// Idempotent: Safe to call multiple times (subsequent calls no-op).
func (q *Queue) Stop() error {
	q.startedMu.Lock()
	if q.stopped {
		q.startedMu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	q.startedMu.Unlock()

	q.beginStop()

	if !started {
		q.mu.Lock()
		dropped := len(q.pending)
		q.pending = nil
		q.mu.Unlock()
		if dropped > 0 {
			q.logger.Warn("deferred: stopped before start, dropping tasks", "count", dropped)
		}
		return nil
	}

	q.wg.Wait()
	return nil
}

func (q *Queue) beginStop() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Enqueue schedules fn under key. It returns false when the key already has
// a task in flight or the queue is stopping.
func (q *Queue) Enqueue(key int, fn Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		q.rejected.Add(1)
		q.logger.Warn("deferred: queue stopping, task rejected", "key", key)
		return false
	}
	if _, busy := q.inFlight[key]; busy {
		q.deduplicated.Add(1)
		q.logger.Debug("deferred: task already in flight", "key", key)
		return false
	}

	q.inFlight[key] = struct{}{}
	q.pending = append(q.pending, item{key: key, fn: fn})
	q.cond.Signal()
	return true
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()

	return Stats{
		Executed:     q.executed.Load(),
		Deduplicated: q.deduplicated.Load(),
		Rejected:     q.rejected.Load(),
		Panics:       q.panics.Load(),
		Pending:      pending,
	}
}

// run is the worker loop.
//
// Algorithm:
//  1. Wait for a pending task or a stop request (sync.Cond)
//  2. On stop with nothing pending, exit
//  3. Pop the oldest task and run it without holding the lock
//  4. Clear its key so the port can be scheduled again
func (q *Queue) run() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			q.logger.Debug("deferred: worker exiting")
			return
		}
		next := q.pending[0]
		q.pending[0] = item{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.execute(next)

		q.mu.Lock()
		delete(q.inFlight, next.key)
		q.mu.Unlock()
	}
}

func (q *Queue) execute(it item) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			q.logger.Error("deferred: task panicked", "key", it.key, "panic", r)
		}
	}()

	it.fn()
	q.executed.Add(1)
}
