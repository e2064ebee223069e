// Package timers implements the Timer Registry: a per-Worker-Runtime,
// bucketed lookup table from timer ID to Timer Record. It mirrors the fixed
// bucket-count hash table in the C source's timer_table (TIMER_TABLE_SIZE
// 64, chained on id%bucketCount), but is a plain data structure — it holds
// no goroutines and fires nothing itself; internal/eventloop drives it.
package timers

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

const defaultBuckets = 64

// Mode distinguishes one-shot timers (setTimeout) from periodic ones
// (setInterval).
type Mode int

const (
	OneShot Mode = iota
	Periodic
)

// Record is one live Timer Record: the registry's bookkeeping for a single
// scheduled callback. FireAt and DelayMS are owned by the caller (the event
// loop); the registry only indexes Records by ID and by ContextID.
type Record struct {
	ID        int
	ContextID uint64
	Mode      Mode
	DelayMS   int
	FireAt    int64 // unix nanos; set/read by the event loop

	bucket int
	prev   *Record
	next   *Record
}

// Registry is the bucketed hash table. Every method is safe for concurrent
// use, though in practice only the owning worker thread ever calls in
// (spec.md's ownership rule — the registry's mutex exists for the rare
// cross-thread case of a pool-wide shutdown walk).
type Registry struct {
	mu       sync.Mutex
	buckets  []*Record
	nonEmpty *bitset.BitSet
	byID     map[int]*Record
	count    int
}

// New creates a Registry with the default bucket count (64, matching the
// C source's TIMER_TABLE_SIZE).
func New() *Registry {
	return NewSized(defaultBuckets)
}

// NewSized creates a Registry with an explicit bucket count, mainly for
// tests that want to exercise collisions with a tiny table.
func NewSized(buckets int) *Registry {
	if buckets <= 0 {
		buckets = defaultBuckets
	}
	return &Registry{
		buckets:  make([]*Record, buckets),
		nonEmpty: bitset.New(uint(buckets)),
		byID:     make(map[int]*Record, 64),
	}
}

func (r *Registry) bucketFor(id int) int {
	n := len(r.buckets)
	b := id % n
	if b < 0 {
		b += n
	}
	return b
}

// Insert adds rec to the table, keyed by rec.ID. Inserting a second Record
// with an ID already present replaces the first (the event loop never does
// this deliberately — timer IDs are never reused while live — but Insert
// stays total rather than panicking on a caller bug).
func (r *Registry) Insert(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[rec.ID]; ok {
		r.unlink(old)
		r.count--
	}

	b := r.bucketFor(rec.ID)
	rec.bucket = b
	rec.prev = nil
	rec.next = r.buckets[b]
	if rec.next != nil {
		rec.next.prev = rec
	}
	r.buckets[b] = rec
	r.byID[rec.ID] = rec
	r.nonEmpty.Set(uint(b))
	r.count++
}

// Find returns the Record for id, or nil if it isn't (or is no longer)
// registered.
func (r *Registry) Find(id int) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// Remove deletes the Record for id, returning it (or nil if absent). Remove
// is idempotent: removing an already-removed or never-registered id is a
// no-op, matching clear_timer's tolerance of a stale id.
func (r *Registry) Remove(id int) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil
	}
	r.unlink(rec)
	delete(r.byID, id)
	r.count--
	return rec
}

// unlink splices rec out of its bucket chain. Caller holds r.mu.
func (r *Registry) unlink(rec *Record) {
	if rec.prev != nil {
		rec.prev.next = rec.next
	} else {
		r.buckets[rec.bucket] = rec.next
	}
	if rec.next != nil {
		rec.next.prev = rec.prev
	}
	if r.buckets[rec.bucket] == nil {
		r.nonEmpty.Clear(uint(rec.bucket))
	}
	rec.prev, rec.next = nil, nil
}

// Len returns the number of live Records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// RemoveContext removes and returns every Record owned by ctxID — the
// registry side of cancel_context_timers. Only non-empty buckets (per the
// bitset) are walked.
func (r *Registry) RemoveContext(ctxID uint64) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Record
	for i, e := r.nonEmpty.NextSet(0); e; i, e = r.nonEmpty.NextSet(i + 1) {
		rec := r.buckets[i]
		for rec != nil {
			next := rec.next
			if rec.ContextID == ctxID {
				r.unlink(rec)
				delete(r.byID, rec.ID)
				r.count--
				out = append(out, rec)
			}
			rec = next
		}
	}
	return out
}

// Drain removes and returns every live Record — the registry side of
// free_runtime's full-table teardown walk.
func (r *Registry) Drain() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Record, 0, r.count)
	for i, e := r.nonEmpty.NextSet(0); e; i, e = r.nonEmpty.NextSet(i + 1) {
		rec := r.buckets[i]
		for rec != nil {
			next := rec.next
			rec.prev, rec.next = nil, nil
			out = append(out, rec)
			rec = next
		}
		r.buckets[i] = nil
	}
	r.nonEmpty.ClearAll()
	r.byID = make(map[int]*Record, 64)
	r.count = 0
	return out
}
