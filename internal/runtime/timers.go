package runtime

import (
	"sync/atomic"
	"time"
)

// timersPolyfill installs setTimeout/setInterval/clearTimeout/clearInterval
// on globalThis, backed by the Go functions __timerRegister/__timerClear.
// The callback closures themselves never cross into Go — they live in
// globalThis.__timerCallbacks, keyed by id, exactly as spec.md's Timer
// Record "scripting callback value" is described, just kept on the script
// side instead of duplicated into an opaque Go handle. Grounded on the
// teacher's internal/webapi/timers.go, extended to throw TypeError per
// spec.md §4.2 instead of silently returning 0.
const timersPolyfill = `
(function() {
	globalThis.__timerCallbacks = {};
	globalThis.setTimeout = function(fn, delay) {
		if (typeof fn !== 'function') {
			throw new TypeError('setTimeout: callback is not a function');
		}
		var d = Number(delay);
		if (!isFinite(d) || d < 0) d = 0;
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(Math.floor(d), false);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args };
		return id;
	};
	globalThis.setInterval = function(fn, interval) {
		if (typeof fn !== 'function') {
			throw new TypeError('setInterval: callback is not a function');
		}
		var d = Number(interval);
		if (!isFinite(d) || d < 0) d = 0;
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timerRegister(Math.floor(d), true);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args, interval: true };
		return id;
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};
})();
`

// installTimerBindings wires setTimeout/setInterval/clearTimeout/
// clearInterval into ctx, routing registration/cancellation through the
// Runtime's event loop and keeping ctx.activeTimers (spec.md's I2) in sync.
func (rt *Runtime) installTimerBindings(ctx *Context) error {
	if err := ctx.engineCtx.RegisterFunc("__timerRegister", func(delayMs int, periodic bool) int {
		id := rt.loop.RegisterTimer(ctx.id, time.Duration(delayMs)*time.Millisecond, periodic)
		atomic.AddInt32(&ctx.activeTimers, 1)
		return id
	}); err != nil {
		return err
	}

	if err := ctx.engineCtx.RegisterFunc("__timerClear", func(id int) {
		rt.clearTimerFor(ctx, id)
	}); err != nil {
		return err
	}

	return ctx.engineCtx.Eval(timersPolyfill)
}

// clearTimerFor handles a clearTimeout/clearInterval call originating from
// ctx. The id may in principle belong to any context in this Runtime, so
// the active-timer decrement is applied to whichever context the removed
// Record actually names, not necessarily ctx — and that context is marked
// pending_free and freed the moment its active count hits zero.
func (rt *Runtime) clearTimerFor(ctx *Context, id int) {
	ownerID, ok := rt.loop.ClearTimer(id)
	if !ok {
		return
	}

	owner := ctx
	if ownerID != ctx.id {
		rt.mu.Lock()
		if c, found := rt.contexts[ownerID]; found {
			owner = c
		} else {
			owner = nil
		}
		rt.mu.Unlock()
	}
	if owner == nil {
		return
	}

	// Mirrors the original runtime's close_timer_callback: the timer that
	// empties a Context's active count marks it pending_free itself,
	// unconditionally — eval_source only sets the flag when no timers remain
	// once evaluation returns, so a Context whose timers outlived its eval
	// has no other path to pending_free.
	if atomic.AddInt32(&owner.activeTimers, -1) == 0 {
		atomic.StoreInt32(&owner.pendingFree, 1)
		rt.freeContext(owner, nil)
	}
}

// onTimerFired is the bookkeeping hook passed to the event loop's FireDue:
// for a one-shot timer (already removed from the registry), it decrements
// the owning Context's active count and, the moment that count reaches
// zero, marks the context pending_free and frees it — spec.md's timer
// fire algorithm's close callback. Periodic timers leave active_timers
// untouched.
func (rt *Runtime) onTimerFired(ctxID uint64, oneShot bool) {
	if !oneShot {
		return
	}
	rt.mu.Lock()
	ctx, ok := rt.contexts[ctxID]
	rt.mu.Unlock()
	if !ok {
		return
	}
	// Same unconditional mark-then-free as clearTimerFor: the fired timer
	// that empties active_timers is what sets pending_free, not a flag some
	// earlier step left behind.
	if atomic.AddInt32(&ctx.activeTimers, -1) == 0 {
		atomic.StoreInt32(&ctx.pendingFree, 1)
		rt.freeContext(ctx, nil)
	}
}
