// Package poolerr defines the error-kind taxonomy from spec.md §7, shared
// by internal/runtime, internal/queue, and the root package (which
// re-exports these names for callers).
package poolerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error the way the original runtime's error paths fall
// into a handful of recurring failure shapes.
type Kind string

const (
	// KindSubmissionRefused means SubmitSource/SubmitBytecode rejected a
	// task outright — the pool is shutting down or the queue is full and
	// the caller's enqueue wait expired.
	KindSubmissionRefused Kind = "submission_refused"

	// KindRuntimeCapacity means a Worker Runtime could not create a new
	// Execution Context because it is already at MaxContextsPerRuntime.
	KindRuntimeCapacity Kind = "runtime_capacity"

	// KindScriptError means script evaluation threw or otherwise failed
	// inside the engine.
	KindScriptError Kind = "script_error"

	// KindTimerCallbackError means a fired timer callback threw.
	KindTimerCallbackError Kind = "timer_callback_error"

	// KindResourceExhaustion means a scripting engine instance could not
	// be created (pool construction, worker spawn). A full context cap is
	// KindRuntimeCapacity instead.
	KindResourceExhaustion Kind = "resource_exhaustion"

	// KindShutdownLeak means shutdown completed but one or more
	// contexts/timers could not be torn down cleanly within the shutdown
	// window, or that a Task was still queued when the pool shut down (its
	// completion callback receives this kind).
	KindShutdownLeak Kind = "shutdown_leak"
)

// Sentinel errors, one per Kind, for errors.Is comparisons.
var (
	ErrSubmissionRefused  = errors.New("scriptpool: submission refused")
	ErrRuntimeCapacity    = errors.New("scriptpool: runtime at max context capacity")
	ErrScriptError        = errors.New("scriptpool: script error")
	ErrTimerCallbackError = errors.New("scriptpool: timer callback error")
	ErrResourceExhaustion = errors.New("scriptpool: resource exhaustion")
	ErrShutdownLeak       = errors.New("scriptpool: shutdown leak")
)

func sentinelFor(kind Kind) error {
	switch kind {
	case KindSubmissionRefused:
		return ErrSubmissionRefused
	case KindRuntimeCapacity:
		return ErrRuntimeCapacity
	case KindScriptError:
		return ErrScriptError
	case KindTimerCallbackError:
		return ErrTimerCallbackError
	case KindResourceExhaustion:
		return ErrResourceExhaustion
	case KindShutdownLeak:
		return ErrShutdownLeak
	default:
		return errors.New("scriptpool: " + string(kind))
	}
}

// Error wraps an underlying cause with the Kind/Op that produced it.
// errors.Is(err, ErrRuntimeCapacity) works against any Error whose Kind is
// KindRuntimeCapacity, regardless of the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds an *Error for kind, tagging it with the operation name and
// wrapping cause (which may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scriptpool: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("scriptpool: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRuntimeCapacity) succeed for any Error carrying
// the matching Kind, not just the original sentinel instance.
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}
