// Package registry owns the per-port records of a mixer.
//
// Records live in an arena keyed by port id. A record carries an explicit
// reference count so that work scheduled after its removal from the
// registry (deferred teardown) can still reach it; Done is closed when the
// last reference is released.
//
// Thread-safety: Registry methods are NOT synchronized. The owning mixer
// guards the registry, its view slots and its style with a single mutex,
// and every method here must be called with that mutex held. Record
// reference counting is atomic and may be used without the lock.
package registry

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/e7canasta/stylemixer/internal/layout"
)

// State is the attachment state of a port.
type State int

const (
	// Pending ports exist but have not delivered media yet.
	Pending State = iota
	// Active ports are wired into the compositor and take part in layout.
	Active
	// Detaching ports have been asked to leave; an injected EOS is in flight.
	Detaching
	// Removed ports are gone from the registry; teardown may still be running.
	Removed
)

// String returns a human-readable string representation of the state
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Detaching:
		return "detaching"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Record is the per-port state unit.
//
// All fields except the reference count are guarded by the mixer lock.
type Record struct {
	id int

	// State is the attachment state.
	State State
	// EOSObserved is set once an end-of-stream marker passed the attach point.
	EOSObserved bool
	// Geometry is the last geometry broadcast for this port.
	Geometry layout.Geometry
	// Input is the compositor input handle while attached, zero otherwise.
	Input int
	// Attached is true while Input is valid.
	Attached bool
	// TeardownQueued is set once teardown has been handed to the worker.
	TeardownQueued bool

	// Payload carries collaborator handles (endpoint, media pipe) owned by
	// the mixer. The registry never inspects it.
	Payload any

	refs atomic.Int32
	done chan struct{}
}

// ID returns the immutable port id.
func (r *Record) ID() int {
	return r.id
}

// Ref takes an additional reference. It must not be called after the count
// has dropped to zero.
func (r *Record) Ref() *Record {
	if r.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("registry: ref on released record %d", r.id))
	}
	return r
}

// Release drops a reference and reports whether it was the last one.
func (r *Record) Release() bool {
	n := r.refs.Add(-1)
	switch {
	case n == 0:
		close(r.done)
		return true
	case n < 0:
		panic(fmt.Sprintf("registry: release of released record %d", r.id))
	}
	return false
}

// Refs returns the current reference count.
func (r *Record) Refs() int {
	return int(r.refs.Load())
}

// Done is closed when the last reference is released.
func (r *Record) Done() <-chan struct{} {
	return r.done
}

// Registry maps port ids to records.
type Registry struct {
	records map[int]*Record
	nextID  int
	active  int
}

// New creates an empty registry. Ids start at 1.
func New() *Registry {
	return &Registry{
		records: make(map[int]*Record),
		nextID:  1,
	}
}

// Add allocates a Pending record under a fresh id. The registry holds the
// initial reference.
func (r *Registry) Add() *Record {
	rec := &Record{
		id:    r.nextID,
		State: Pending,
		done:  make(chan struct{}),
	}
	rec.Geometry = layout.Hidden()
	rec.refs.Store(1)
	r.nextID++
	r.records[rec.id] = rec
	return rec
}

// Get returns the record for id, or nil.
func (r *Registry) Get(id int) *Record {
	return r.records[id]
}

// Delete forgets id, marks the record Removed and drops the registry's
// reference. The record stays reachable through any other references.
func (r *Registry) Delete(id int) {
	rec, ok := r.records[id]
	if !ok {
		return
	}
	delete(r.records, id)
	if rec.State == Active {
		r.active--
	}
	rec.State = Removed
	rec.Release()
}

// SetState moves a record to a new state and keeps the active count in step.
func (r *Registry) SetState(rec *Record, s State) {
	if rec.State == s {
		return
	}
	if rec.State == Active {
		r.active--
	}
	if s == Active {
		r.active++
	}
	rec.State = s
}

// ActiveCount returns the number of Active records.
func (r *Registry) ActiveCount() int {
	return r.active
}

// Len returns the number of records still registered.
func (r *Registry) Len() int {
	return len(r.records)
}

// ForEach applies fn to every record in id order.
func (r *Registry) ForEach(fn func(*Record)) {
	for _, id := range r.sortedIDs() {
		fn(r.records[id])
	}
}

// ForEachActive applies fn to every Active record in id order.
func (r *Registry) ForEachActive(fn func(*Record)) {
	for _, id := range r.sortedIDs() {
		if rec := r.records[id]; rec.State == Active {
			fn(rec)
		}
	}
}

// CountByState returns how many registered records are in each state.
func (r *Registry) CountByState() map[State]int {
	out := make(map[State]int, 3)
	for _, rec := range r.records {
		out[rec.State]++
	}
	return out
}

func (r *Registry) sortedIDs() []int {
	ids := make([]int, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
