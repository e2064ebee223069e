// Package eventloop is the platform event loop described in spec.md §4.2:
// the thing a Worker Runtime drives between tasks to fire due timers. It
// owns no goroutines of its own — RunLoopOnce/RunLoop are called from the
// worker thread that owns the runtime, exactly once at a time, matching the
// single-threaded-per-runtime ownership rule.
package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/quillrun/scriptpool/internal/core"
	"github.com/quillrun/scriptpool/internal/timers"
)

// maxMicrotaskIterations bounds the microtask drain after firing a timer
// callback, guarding against a runaway microtask producer. Mirrors the
// original runtime's MAX_MICROTASK_ITERATIONS.
const maxMicrotaskIterations = 1000

// ContextLookup resolves a context ID to the live EngineContext that should
// receive a firing timer's callback invocation. It returns false if the
// context has already been torn down (the timer should simply be dropped).
type ContextLookup func(ctxID uint64) (core.EngineContext, bool)

// EventLoop fires due timers registered against a timers.Registry. The
// actual JS callback closures are never handed to Go: they live in
// globalThis.__timerCallbacks[id] on the context's side, exactly as the
// script-visible setTimeout/setInterval bindings install them, so firing a
// timer is evaluating a small lookup-and-invoke snippet in that context.
type EventLoop struct {
	mu       sync.Mutex
	registry *timers.Registry
	nextID   int
	onWarn   func(msg string)
}

// New creates an EventLoop backed by a fresh Registry.
func New() *EventLoop {
	return &EventLoop{registry: timers.New()}
}

// Registry exposes the underlying Timer Registry, mainly so a Worker
// Runtime can report counts without going through the event loop.
func (el *EventLoop) Registry() *timers.Registry { return el.registry }

// SetWarnFunc installs a callback invoked when the microtask drain cap is
// hit. Nil (the default) discards the warning.
func (el *EventLoop) SetWarnFunc(fn func(msg string)) {
	el.mu.Lock()
	el.onWarn = fn
	el.mu.Unlock()
}

// RegisterTimer creates a Timer Record for ctxID firing after delay, and
// returns its ID. periodic selects setInterval semantics (the minimum
// re-fire period is clamped to 1ms, mirroring the original runtime's
// minimum interval floor).
func (el *EventLoop) RegisterTimer(ctxID uint64, delay time.Duration, periodic bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()

	el.nextID++
	if el.nextID <= 0 {
		el.nextID = 1 // wrap past overflow back to a positive id
	}
	id := el.nextID

	mode := timers.OneShot
	if periodic {
		mode = timers.Periodic
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
	}
	rec := &timers.Record{
		ID:        id,
		ContextID: ctxID,
		Mode:      mode,
		DelayMS:   int(delay / time.Millisecond),
		FireAt:    time.Now().Add(delay).UnixNano(),
	}
	el.registry.Insert(rec)
	return id
}

// ClearTimer cancels a timer by ID, returning its owning context ID and
// whether a Record was actually removed. Clearing an unknown or
// already-fired one-shot id is a no-op, matching clear_timer's tolerance
// of stale ids.
func (el *EventLoop) ClearTimer(id int) (ctxID uint64, ok bool) {
	rec := el.registry.Remove(id)
	if rec == nil {
		return 0, false
	}
	return rec.ContextID, true
}

// CancelContext removes every timer owned by ctxID — the event loop's half
// of cancel_context_timers. Returns the removed timer IDs so the caller can
// also drop their globalThis.__timerCallbacks entries.
func (el *EventLoop) CancelContext(ctxID uint64) []int {
	recs := el.registry.RemoveContext(ctxID)
	ids := make([]int, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

// Pending reports how many timers are currently registered.
func (el *EventLoop) Pending() int { return el.registry.Len() }

// nextDeadline scans the registry for the earliest FireAt among live
// records. ok is false if the registry is empty.
func (el *EventLoop) nextDeadline() (t time.Time, ok bool) {
	// The registry has no ordered index by design (spec.md names only an
	// id-keyed table), so finding the next deadline is a linear scan. Timer
	// counts per runtime are small and bounded by script behavior, and this
	// only runs once per idle tick.
	var earliest int64
	found := false
	for _, rec := range el.registry.Drain() {
		// Drain empties the table; reinsert everything as we scan so this
		// read-only-looking scan doesn't lose records.
		el.registry.Insert(rec)
		if !found || rec.FireAt < earliest {
			earliest = rec.FireAt
			found = true
		}
	}
	if !found {
		return time.Time{}, false
	}
	return time.Unix(0, earliest), true
}

func (el *EventLoop) fireScript(id int) string {
	return fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
}

// RunLoopOnce fires every timer whose deadline has passed, resolving each
// one's owning context via lookup. Periodic timers are rescheduled in
// place; one-shot timers are removed. Returns the number of timers still
// pending after the pass.
func (el *EventLoop) RunLoopOnce(lookup ContextLookup) (pending int) {
	return el.FireDue(lookup, nil)
}

// FireDue is RunLoopOnce with an additional hook: onFire, if non-nil, is
// called once per fired Record, after its callback has run, microtasks
// have drained, and a periodic Record has been rescheduled — so a caller (internal/runtime) can do its own active-timer bookkeeping
// and decide whether the owning Context just became reclaimable.
// onFire receives whether the Record was one-shot (and therefore already
// removed from the registry) as its second argument.
func (el *EventLoop) FireDue(lookup ContextLookup, onFire func(rec *timers.Record, oneShot bool)) (pending int) {
	now := time.Now().UnixNano()
	due := make([]*timers.Record, 0, 4)

	for _, rec := range el.registry.Drain() {
		if rec.FireAt <= now {
			due = append(due, rec)
			continue
		}
		el.registry.Insert(rec)
	}

	for _, rec := range due {
		ctx, ok := lookup(rec.ContextID)
		if !ok {
			continue // context torn down under us; drop the timer
		}

		_ = ctx.Eval(el.fireScript(rec.ID))
		el.drainMicrotasks(ctx)

		oneShot := rec.Mode != timers.Periodic
		if !oneShot {
			rec.FireAt = time.Now().Add(time.Duration(rec.DelayMS) * time.Millisecond).UnixNano()
			el.registry.Insert(rec)
		}

		if onFire != nil {
			onFire(rec, oneShot)
		}
	}

	return el.registry.Len()
}

// drainMicrotasks runs ctx's microtask queue. The hard iteration cap
// (maxMicrotaskIterations) is enforced inside each EngineContext
// implementation, which is the only side that can actually count drained
// jobs; this wrapper exists so the event loop has one place to route the
// cap-hit warning through, if an implementation reports one.
func (el *EventLoop) drainMicrotasks(ctx core.EngineContext) {
	if ctx.RunMicrotasks() {
		el.warnf("eventloop: microtask drain hit the %d-iteration cap with jobs still pending after a timer fire", maxMicrotaskIterations)
	}
}

func (el *EventLoop) warnf(format string, args ...any) {
	el.mu.Lock()
	warn := el.onWarn
	el.mu.Unlock()
	if warn != nil {
		warn(fmt.Sprintf(format, args...))
	}
}

// RunLoop blocks, firing timers as they come due, until the registry is
// empty or deadline passes.
func (el *EventLoop) RunLoop(lookup ContextLookup, deadline time.Time) {
	for {
		if el.registry.Len() == 0 {
			return
		}

		el.RunLoopOnce(lookup)

		if el.registry.Len() == 0 {
			return
		}

		next, ok := el.nextDeadline()
		if !ok {
			return
		}
		now := time.Now()
		if now.After(deadline) {
			return
		}
		wait := next.Sub(now)
		if wait <= 0 {
			continue
		}
		if now.Add(wait).After(deadline) {
			wait = deadline.Sub(now)
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}
