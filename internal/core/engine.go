// Package core defines the boundary between the pool/runtime machinery and
// the scripting engine backend (QuickJS by default, V8 with -tags v8). The
// engine itself, and everything it exposes to script, is an external
// collaborator: core only names the shape the pool needs from it.
package core

import "errors"

// ErrCapacity is returned by Engine.NewContext when the runtime's configured
// context cap has been reached.
var ErrCapacity = errors.New("core: runtime is at max context capacity")

// EngineConfig configures a single Worker Runtime's scripting engine
// instance. It is the engine-facing subset of the pool's public Config.
type EngineConfig struct {
	// MaxContexts bounds how many EngineContext instances may be live at
	// once against this Engine. Zero means the backend's own default.
	MaxContexts int

	// MemoryLimitMB, if non-zero, caps the engine instance's heap.
	MemoryLimitMB int
}

// EngineContext is one short-lived execution context multiplexed over a
// single Engine instance — the Go-side handle for spec's Execution Context.
// All methods are called only from the worker thread that owns the Engine.
type EngineContext interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(src string) error

	// EvalBytecode loads and runs a pre-compiled bytecode blob.
	EvalBytecode(code []byte) error

	// RegisterFunc installs fn as a global JavaScript function visible only
	// in this context. Go argument/return types are marshaled automatically.
	RegisterFunc(name string, fn any) error

	// RunMicrotasks pumps the engine's microtask queue until it reports
	// none pending, bounded by an internal iteration cap (spec.md §4.2's
	// microtask-drain cap, default 1000). Returns true if the cap was hit
	// with jobs still pending, so the caller can log a warning rather than
	// silently truncating the drain.
	RunMicrotasks() (hitCap bool)

	// Close releases the engine-side resources for this context. Called
	// exactly once, after the context has no outstanding timers.
	Close()
}

// Engine is one scripting-engine instance bound to one worker thread —
// spec's Worker Runtime's engine half. A single Engine backs many
// short-lived EngineContext values over its lifetime.
type Engine interface {
	// NewContext creates a new execution context, or returns ErrCapacity
	// if the runtime is already at its configured context cap.
	NewContext() (EngineContext, error)

	// LiveContexts returns the number of contexts created but not yet
	// Closed.
	LiveContexts() int

	// MaxContexts returns the configured cap (never zero; backends resolve
	// MaxContexts<=0 in EngineConfig to their own default).
	MaxContexts() int

	// Close tears down the engine instance. Callers must Close every live
	// EngineContext first; Close does not do this on their behalf.
	Close()

	// CompileBytecode compiles source into a serialized bytecode buffer
	// suitable for a later EvalBytecode call against this same backend.
	// Bytecode is backend-specific: a buffer produced by one Engine
	// implementation is not portable to another.
	CompileBytecode(source string) ([]byte, error)
}

// NewEngineFunc constructs an Engine from configuration. Each backend
// package (internal/quickjsengine, internal/v8engine) exposes one of these;
// the root package picks which one compiles in via build tags, mirroring
// the teacher's backend_quickjs.go/backend_v8.go split.
type NewEngineFunc func(cfg EngineConfig) (Engine, error)
