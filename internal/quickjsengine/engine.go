//go:build !v8

// Package quickjsengine is the default core.Engine/core.EngineContext
// backend. One modernc.org/quickjs VM is created per worker thread and
// stands in for spec.md's scripting engine instance; the public
// modernc.org/quickjs API has no notion of multiple JSContext objects
// sharing one JSRuntime, so each EngineContext is a reset scope over that
// single VM's global object rather than a truly isolated context — see
// SPEC_FULL.md's Engine Backend section for the tradeoff this accepts.
package quickjsengine

import (
	"fmt"
	"sync"

	"modernc.org/quickjs"

	"github.com/quillrun/scriptpool/internal/core"
)

const defaultMaxContexts = 64

// resetJS clears per-context globals before a reused VM scope is handed to
// the next context. Grounded on the teacher's globalThisCleanupJS.
const resetJS = `
(function() {
	if (globalThis.__timerCallbacks) { globalThis.__timerCallbacks = {}; }
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		var n = names[i];
		if (n.indexOf('__ctx_') === 0) {
			try { delete globalThis[n]; } catch (e) {}
		}
	}
})();
`

// engine implements core.Engine over a single shared QuickJS VM.
type engine struct {
	mu          sync.Mutex
	vm          *quickjs.VM
	maxContexts int
	live        map[uint64]*engineContext
	nextID      uint64
}

// New constructs the quickjsengine backend. Its signature matches
// core.NewEngineFunc so the root package can select it by build tag.
func New(cfg core.EngineConfig) (core.Engine, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("quickjsengine: creating VM: %w", err)
	}
	if cfg.MemoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}

	max := cfg.MaxContexts
	if max <= 0 {
		max = defaultMaxContexts
	}

	return &engine{
		vm:          vm,
		maxContexts: max,
		live:        make(map[uint64]*engineContext),
	}, nil
}

func (e *engine) NewContext() (core.EngineContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.live) >= e.maxContexts {
		return nil, core.ErrCapacity
	}

	if err := e.evalLocked(resetJS); err != nil {
		return nil, fmt.Errorf("quickjsengine: resetting scope: %w", err)
	}

	e.nextID++
	id := e.nextID
	ctx := &engineContext{engine: e, id: id}
	e.live[id] = ctx
	return ctx, nil
}

func (e *engine) LiveContexts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

func (e *engine) MaxContexts() int { return e.maxContexts }

// CompileBytecode is unsupported on this backend: evalBytecode's load path
// (JS_ReadObject via the raw libquickjs API) is grounded on the original
// runtime's Worker_Eval_Bytecode, but the reverse serialization direction
// (JS_WriteObject) would need reflecting into modernc.org/quickjs's
// unexported Value representation with no equivalent already in use
// anywhere in the teacher or the pack to ground that layout against.
// submit_bytecode still accepts any externally-produced QuickJS bytecode
// buffer (e.g. from qjsc) — this helper just doesn't produce one itself on
// this backend.
func (e *engine) CompileBytecode(source string) ([]byte, error) {
	return nil, fmt.Errorf("quickjsengine: CompileBytecode not supported; supply externally-compiled QuickJS bytecode to EvalBytecode instead")
}

func (e *engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vm != nil {
		e.vm.Close()
		e.vm = nil
	}
}

// evalLocked runs js on the shared VM. Caller holds e.mu.
func (e *engine) evalLocked(js string) error {
	v, err := e.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (e *engine) closeContext(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, id)
	_ = e.evalLocked(resetJS)
}

// engineContext implements core.EngineContext as a reset scope over the
// engine's shared VM.
type engineContext struct {
	engine *engine
	id     uint64
	closed bool
}

func (c *engineContext) Eval(src string) error {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return c.engine.evalLocked(src)
}

// EvalBytecode loads a caller-supplied QuickJS bytecode buffer and runs it
// (this backend's CompileBytecode does not produce one). modernc.org/quickjs exposes no bytecode API, so this drops to
// the raw libquickjs C API the same way the teacher's jobpump.go did for
// pending jobs, following the original runtime's Worker_Eval_Bytecode
// (JS_ReadObject with JS_READ_OBJ_BYTECODE, then JS_EvalFunction).
func (c *engineContext) EvalBytecode(code []byte) error {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return evalBytecode(c.engine.vm, code)
}

// RegisterFunc installs fn as a global function. modernc.org/quickjs
// surfaces multi-value (T, error) Go returns as a two-element JS array, so
// a thin JS shim unwraps it into "return T" / "throw error" the way
// ordinary functions behave — grounded on the teacher's RegisterFunc.
func (c *engineContext) RegisterFunc(name string, fn any) error {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	rawName := fmt.Sprintf("__raw_ctx%d_%s", c.id, name)
	if err := c.engine.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrap := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return c.engine.evalLocked(wrap)
}

func (c *engineContext) RunMicrotasks() (hitCap bool) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	_, hitCap = executePendingJobs(c.engine.vm)
	return hitCap
}

func (c *engineContext) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.engine.closeContext(c.id)
}

var _ core.Engine = (*engine)(nil)
var _ core.EngineContext = (*engineContext)(nil)
