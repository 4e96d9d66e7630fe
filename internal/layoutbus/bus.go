// Package layoutbus fans layout snapshots out to observers.
//
// Every snapshot is a complete replacement of the previous one, so slow
// observers lose nothing by skipping intermediate snapshots. Two delivery
// policies exist:
//   - DropNew: non-blocking send on a caller-owned channel; the snapshot is
//     dropped when the channel is full.
//   - DropOld: a single-slot holder that always keeps the newest snapshot.
//
// Publish never blocks, so it may be called with the mixer lock held.
package layoutbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/stylemixer/internal/layout"
)

var (
	ErrBusClosed          = errors.New("layoutbus: bus is closed")
	ErrSubscriberExists   = errors.New("layoutbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("layoutbus: subscriber not found")
	ErrNilChannel         = errors.New("layoutbus: nil channel provided")
)

// Snapshot is one layout broadcast.
type Snapshot struct {
	Seq       uint64        `json:"seq" msgpack:"seq"`
	TraceID   string        `json:"trace_id" msgpack:"trace_id"`
	Timestamp time.Time     `json:"timestamp" msgpack:"timestamp"`
	Reason    string        `json:"reason" msgpack:"reason"`
	Result    layout.Result `json:"result" msgpack:"result"`
}

// DropPolicy defines how the bus handles snapshots when a subscriber cannot
// keep up.
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

// SubscriberStats tracks delivery per subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	policy DropPolicy
	stats  SubscriberStats

	ch     chan<- Snapshot
	latest *Latest
}

// Bus distributes snapshots to subscribers.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished uint64
	closed         bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a channel with the DropNew policy.
func (b *Bus) Subscribe(id string, ch chan<- Snapshot) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a subscriber with the DropOld policy.
func (b *Bus) SubscribeLatest(id string) (*Latest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	l := newLatest()
	b.subscribers[id] = &subscriber{policy: DropOld, latest: l}
	return l, nil
}

// Publish delivers s to every subscriber.
func (b *Bus) Publish(s Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- s:
				atomic.AddUint64(&sub.stats.Sent, 1)
			default:
				atomic.AddUint64(&sub.stats.Dropped, 1)
			}
		case DropOld:
			if sub.latest.set(s) {
				atomic.AddUint64(&sub.stats.Dropped, 1)
			}
			atomic.AddUint64(&sub.stats.Sent, 1)
		}
	}
}

// Unsubscribe removes a subscriber. DropNew channels are not closed; the
// caller owns them.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns delivery counters for a subscriber.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// TotalPublished returns the number of Publish calls since creation.
func (b *Bus) TotalPublished() uint64 {
	return atomic.LoadUint64(&b.totalPublished)
}

// Close shuts down the bus and wakes every DropOld receiver.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	b.subscribers = nil
}

// Latest holds the newest unread snapshot for a DropOld subscriber.
type Latest struct {
	mu       sync.Mutex
	cond     *sync.Cond
	snapshot Snapshot
	unread   bool
	closed   bool
}

func newLatest() *Latest {
	l := &Latest{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// set stores s and reports whether an unread snapshot was overwritten.
func (l *Latest) set(s Snapshot) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	overwritten := l.unread
	l.snapshot = s
	l.unread = true
	l.cond.Broadcast()
	return overwritten
}

// Receive blocks until an unread snapshot is available or the holder is
// closed. ok is false after Close.
func (l *Latest) Receive() (s Snapshot, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.unread && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return Snapshot{}, false
	}
	l.unread = false
	return l.snapshot, true
}

// TryReceive returns the unread snapshot without blocking.
func (l *Latest) TryReceive() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.unread || l.closed {
		return Snapshot{}, false
	}
	l.unread = false
	return l.snapshot, true
}

// Close wakes any blocked Receive.
func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.cond.Broadcast()
}
