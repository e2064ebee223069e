//go:build v8

// Package v8engine is the opt-in core.Engine/core.EngineContext backend
// (build with -tags v8). Unlike quickjsengine, github.com/tommie/v8go
// exposes true multi-Context-per-Isolate support, so each EngineContext is
// a real, independent v8.Context — matching spec.md's Data Model exactly
// (scripting engine instance ↔ Isolate, context handle ↔ *v8.Context).
package v8engine

import (
	"fmt"
	"reflect"
	"sync"

	v8 "github.com/tommie/v8go"

	"github.com/quillrun/scriptpool/internal/core"
)

const defaultMaxContexts = 256

// engine implements core.Engine over one V8 Isolate.
type engine struct {
	mu          sync.Mutex
	iso         *v8.Isolate
	maxContexts int
	live        map[uint64]*engineContext
	nextID      uint64
}

// New constructs the v8engine backend. Its signature matches
// core.NewEngineFunc so the root package can select it by build tag.
func New(cfg core.EngineConfig) (core.Engine, error) {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heap := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	} else {
		iso = v8.NewIsolate()
	}

	max := cfg.MaxContexts
	if max <= 0 {
		max = defaultMaxContexts
	}

	return &engine{
		iso:         iso,
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

	e.nextID++
	id := e.nextID
	ctx := &engineContext{
		engine: e,
		id:     id,
		ctx:    v8.NewContext(e.iso),
	}
	e.live[id] = ctx
	return ctx, nil
}

func (e *engine) LiveContexts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

func (e *engine) MaxContexts() int { return e.maxContexts }

func (e *engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.iso != nil {
		e.iso.Dispose()
		e.iso = nil
	}
}

// CompileBytecode validates source by compiling it against the shared
// Isolate (surfacing a syntax error up front rather than at EvalBytecode
// time) and returns it unchanged — see engineContext.EvalBytecode for why
// this backend's "bytecode" is UTF-8 source text rather than a V8 code
// cache blob.
func (e *engine) CompileBytecode(source string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.iso.CompileUnboundScript(source, "compile.js", v8.CompileOptions{}); err != nil {
		return nil, fmt.Errorf("v8engine: compiling: %w", err)
	}
	return []byte(source), nil
}

func (e *engine) closeContext(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, id)
}

// engineContext implements core.EngineContext over an independent
// v8.Context sharing the engine's Isolate.
type engineContext struct {
	engine *engine
	id     uint64
	ctx    *v8.Context
	closed bool
}

func (c *engineContext) Eval(src string) error {
	_, err := c.ctx.RunScript(src, "eval.js")
	return err
}

// EvalBytecode runs a buffer produced by Pool.CompileBytecode. v8go has no
// verified public API in this pack for round-tripping a standalone V8 code
// cache blob outside of a live Isolate, so unlike quickjsengine's true
// serialized-bytecode path, the v8 backend treats code as UTF-8 source text
// and compiles it the same way the teacher's CompileUnboundScript call
// does — CompileBytecode's esbuild normalization pass still applies, only
// the "skip parsing" benefit is backend-specific.
func (c *engineContext) EvalBytecode(code []byte) error {
	script, err := c.engine.iso.CompileUnboundScript(string(code), "bytecode.js", v8.CompileOptions{})
	if err != nil {
		return fmt.Errorf("v8engine: compiling script: %w", err)
	}
	_, err = script.Run(c.ctx)
	return err
}

// RegisterFunc installs fn as a global function visible only in this
// context's v8.Context, via a FunctionTemplate that marshals arguments and
// return values. Grounded on the teacher's v8Runtime.RegisterFunc.
func (c *engineContext) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("v8engine: RegisterFunc: expected function, got %T", fn)
	}

	iso := c.engine.iso
	tmpl := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			msg := fmt.Sprintf("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(args))
			jsMsg, _ := v8.NewValue(iso, msg)
			iso.ThrowException(jsMsg)
			return nil
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := 0; i < fnType.NumIn(); i++ {
			goArgs[i] = jsToGoArg(args[i], fnType.In(i))
		}

		results := fnVal.Call(goArgs)
		switch fnType.NumOut() {
		case 0:
			return nil
		case 1:
			return goToJSValue(iso, results[0])
		case 2:
			errVal := results[1]
			if !errVal.IsNil() {
				errMsg := errVal.Interface().(error).Error()
				msg := fmt.Sprintf("calling %s: %s", name, errMsg)
				jsMsg, _ := v8.NewValue(iso, msg)
				iso.ThrowException(jsMsg)
				return nil
			}
			return goToJSValue(iso, results[0])
		default:
			return nil
		}
	})

	fnObj := tmpl.GetFunction(c.ctx)
	return c.ctx.Global().Set(name, fnObj)
}

// RunMicrotasks drains V8's microtask queue via a single checkpoint call.
// v8go exposes no per-job count or iteration cap the way the QuickJS
// backend's manual pump loop does, so a runaway self-queuing microtask
// cannot be detected here; this always reports hitCap=false.
func (c *engineContext) RunMicrotasks() (hitCap bool) {
	c.ctx.PerformMicrotaskCheckpoint()
	return false
}

func (c *engineContext) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.ctx.Close()
	c.engine.closeContext(c.id)
}

func jsToGoArg(val *v8.Value, targetType reflect.Type) reflect.Value {
	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(val.Integer())
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	default:
		return reflect.Zero(targetType)
	}
}

func goToJSValue(iso *v8.Isolate, val reflect.Value) *v8.Value {
	if !val.IsValid() {
		return nil
	}
	switch val.Kind() {
	case reflect.String:
		v, _ := v8.NewValue(iso, val.String())
		return v
	case reflect.Int, reflect.Int64, reflect.Int32:
		v, _ := v8.NewValue(iso, int32(val.Int()))
		return v
	case reflect.Float64, reflect.Float32:
		v, _ := v8.NewValue(iso, val.Float())
		return v
	case reflect.Bool:
		v, _ := v8.NewValue(iso, val.Bool())
		return v
	default:
		return nil
	}
}

var _ core.Engine = (*engine)(nil)
var _ core.EngineContext = (*engineContext)(nil)
