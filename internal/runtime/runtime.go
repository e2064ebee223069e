// Package runtime implements the Worker Runtime (spec.md §4.2): one per
// worker thread, owning a single scripting engine instance, one event
// loop, the live Execution Context list, and the Timer Registry embedded
// in that event loop. Every exported method is meant to be called only
// from the owning worker thread, except where documented — the same
// single-thread-ownership rule spec.md §5 states for the original.
package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quillrun/scriptpool/internal/core"
	"github.com/quillrun/scriptpool/internal/eventloop"
	"github.com/quillrun/scriptpool/internal/poolerr"
	"github.com/quillrun/scriptpool/internal/timers"
)

// CompletionFunc is invoked once a Context becomes reclaimable, after its
// engine resources have already been released — spec.md §4.2's
// free_context ordering ("call happens after release so the callback can
// safely enqueue further work").
type CompletionFunc func(ctx *Context, evalErr error)

// Context is the Go-side handle for spec.md's Execution Context.
type Context struct {
	id        uint64
	rt        *Runtime
	engineCtx core.EngineContext
	onDone    CompletionFunc

	activeTimers int32 // atomic
	pendingFree  int32 // atomic bool
}

// ID returns the Context's id, unique within its owning Runtime.
func (c *Context) ID() uint64 { return c.id }

// ActiveTimers returns the live timer count owned by this Context —
// spec.md's invariant I2, surfaced for tests and stats.
func (c *Context) ActiveTimers() int { return int(atomic.LoadInt32(&c.activeTimers)) }

// Runtime is the Worker Runtime.
type Runtime struct {
	engine core.Engine
	loop   *eventloop.EventLoop
	logger *zap.Logger

	mu       sync.Mutex // guards contexts + nextID ("context_mutex")
	contexts map[uint64]*Context
	nextID   uint64
}

// New wraps engine and a fresh event loop into a Runtime. logger may be
// nil (treated as zap.NewNop()).
func New(engine core.Engine, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{
		engine:   engine,
		loop:     eventloop.New(),
		logger:   logger,
		contexts: make(map[uint64]*Context),
	}
	rt.loop.SetWarnFunc(func(msg string) { rt.logger.Warn(msg) })
	return rt
}

// NewContext creates a new Execution Context, installs the script-visible
// timer bindings, and links it into the live list. Returns a
// poolerr.Error{Kind: KindRuntimeCapacity} if the engine is at its context
// cap.
func (rt *Runtime) NewContext(onDone CompletionFunc) (*Context, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	ec, err := rt.engine.NewContext()
	if err != nil {
		return nil, poolerr.New(poolerr.KindRuntimeCapacity, "new_context", err)
	}

	rt.nextID++
	ctx := &Context{id: rt.nextID, rt: rt, engineCtx: ec, onDone: onDone}

	if err := rt.installTimerBindings(ctx); err != nil {
		ec.Close()
		return nil, poolerr.New(poolerr.KindScriptError, "new_context", err)
	}

	rt.contexts[ctx.id] = ctx
	return ctx, nil
}

// EvalSource evaluates src in ctx and drains microtasks. If, after
// evaluation, the Context has no outstanding timers, it is torn down
// immediately (pending_free set and freed in the same call), matching
// spec.md's eval_source contract.
func (rt *Runtime) EvalSource(ctx *Context, src string) error {
	return rt.evalAndSettle(ctx, func() error { return ctx.engineCtx.Eval(src) })
}

// EvalBytecode evaluates a precompiled bytecode buffer in ctx.
func (rt *Runtime) EvalBytecode(ctx *Context, code []byte) error {
	return rt.evalAndSettle(ctx, func() error { return ctx.engineCtx.EvalBytecode(code) })
}

func (rt *Runtime) evalAndSettle(ctx *Context, run func() error) error {
	evalErr := run()
	if evalErr != nil {
		rt.logger.Warn("script evaluation failed",
			zap.Uint64("context_id", ctx.id), zap.Error(evalErr))
	} else if ctx.engineCtx.RunMicrotasks() {
		rt.logger.Warn("microtask drain hit iteration cap with jobs still pending",
			zap.Uint64("context_id", ctx.id))
	}

	if ctx.ActiveTimers() == 0 {
		rt.requestContextFreeLocked(ctx, evalErr)
	}

	if evalErr != nil {
		return poolerr.New(poolerr.KindScriptError, "eval", evalErr)
	}
	return nil
}

// RequestContextFree sets ctx's pending_free flag; if it has no active
// timers it is torn down immediately, otherwise teardown is deferred until
// the last timer fires or is cancelled.
func (rt *Runtime) RequestContextFree(ctx *Context) {
	rt.requestContextFreeLocked(ctx, nil)
}

func (rt *Runtime) requestContextFreeLocked(ctx *Context, evalErr error) {
	atomic.StoreInt32(&ctx.pendingFree, 1)
	if ctx.ActiveTimers() == 0 {
		rt.freeContext(ctx, evalErr)
	}
}

// freeContext cancels ctx's timers, unlinks it, destroys the engine
// context, then invokes its completion callback — spec.md's free_context.
func (rt *Runtime) freeContext(ctx *Context, evalErr error) {
	rt.CancelContextTimers(ctx)

	rt.mu.Lock()
	delete(rt.contexts, ctx.id)
	rt.mu.Unlock()

	ctx.engineCtx.Close()

	if ctx.onDone != nil {
		ctx.onDone(ctx, evalErr)
	}
}

// CancelContextTimers iterates the Timer Registry for every Timer Record
// belonging to ctx, stops and releases it, and zeroes ctx's active count —
// spec.md's cancel_context_timers.
func (rt *Runtime) CancelContextTimers(ctx *Context) {
	ids := rt.loop.CancelContext(ctx.id)
	if len(ids) == 0 {
		return
	}
	_ = ctx.engineCtx.Eval(deleteTimerCallbacksScript(ids))
	atomic.AddInt32(&ctx.activeTimers, -int32(len(ids)))
}

// RunLoopOnce steps the event loop once: fires every due timer, returning
// the Runtime's live context count afterward (the "handles still active"
// count spec.md's run_loop_once names, approximated here by live contexts
// since every outstanding handle is either a live context or one of its
// timers).
func (rt *Runtime) RunLoopOnce() int {
	rt.loop.FireDue(rt.lookupContext, rt.handleFired)
	return rt.LiveContextCount()
}

// RunLoop blocks, stepping the event loop, until no contexts remain live
// or deadline passes.
func (rt *Runtime) RunLoop(deadline time.Time) {
	for {
		if rt.LiveContextCount() == 0 {
			return
		}
		rt.loop.FireDue(rt.lookupContext, rt.handleFired)
		if rt.LiveContextCount() == 0 || time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (rt *Runtime) handleFired(rec *timers.Record, oneShot bool) {
	rt.onTimerFired(rec.ContextID, oneShot)
}

// LiveContextCount returns the number of Contexts not yet freed.
func (rt *Runtime) LiveContextCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.contexts)
}

func (rt *Runtime) lookupContext(ctxID uint64) (core.EngineContext, bool) {
	rt.mu.Lock()
	ctx, ok := rt.contexts[ctxID]
	rt.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ctx.engineCtx, true
}

// Close tears down the Runtime: walks and cancels every live context's
// timers, frees every context, drains the registry, and closes the
// engine — spec.md's free_runtime. Returns a poolerr.Error{KindShutdownLeak}
// if any contexts or timers could not be cleared (pathological state).
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	remaining := make([]*Context, 0, len(rt.contexts))
	for _, ctx := range rt.contexts {
		remaining = append(remaining, ctx)
	}
	rt.mu.Unlock()

	for _, ctx := range remaining {
		rt.freeContext(ctx, nil)
	}

	leaked := rt.loop.Registry().Drain()
	rt.engine.Close()

	if len(leaked) > 0 {
		rt.logger.Warn("runtime shutdown found residual timer handles",
			zap.Int("count", len(leaked)))
		return poolerr.New(poolerr.KindShutdownLeak, "close",
			fmt.Errorf("%d residual timer handle(s)", len(leaked)))
	}
	return nil
}

func deleteTimerCallbacksScript(ids []int) string {
	js := "(function() {"
	for _, id := range ids {
		js += fmt.Sprintf("delete globalThis.__timerCallbacks[%d];", id)
	}
	js += "})();"
	return js
}
