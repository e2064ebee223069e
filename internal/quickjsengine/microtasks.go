//go:build !v8

package quickjsengine

import (
	"fmt"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// maxMicrotaskIterations bounds the drain below, mirroring the original
// runtime's MAX_MICROTASK_ITERATIONS (runtime.c's execute_microtask_timer)
// and spec.md §4.2's "bounded by a hard iteration cap (e.g. 1000)".
const maxMicrotaskIterations = 1000

// executePendingJobs runs pending microtasks (Promise callbacks, timer fire
// continuations, etc.) in the QuickJS runtime, up to maxMicrotaskIterations.
// The modernc.org/quickjs Go wrapper never calls JS_ExecutePendingJob
// itself, so without this, Promise .then() callbacks would never fire.
// Grounded on the teacher's jobpump.go, which discovered the same gap, and
// on runtime.c:225-234's do/while-with-cap loop for the bound itself.
//
// Returns the number of jobs executed and whether the cap was hit with a
// job still pending (a script that re-queues itself as a microtask forever
// must not hang the worker).
func executePendingJobs(vm *quickjs.VM) (count int, hitCap bool) {
	rt, tls, ok := extractRuntime(vm)
	if !ok {
		return 0, false
	}

	for count < maxMicrotaskIterations {
		ret := lib.XJS_ExecutePendingJob(tls, rt, 0)
		if ret <= 0 {
			return count, false
		}
		count++
	}

	// Cap reached without the queue reporting empty: a job was executed on
	// the very last iteration, so more may still be queued behind it.
	return count, true
}

// extractRuntime uses unsafe reflection to pull the unexported cRuntime and
// tls values out of a *quickjs.VM, the same layout assumption jobpump.go
// made for modernc.org/quickjs@v0.17.1.
func extractRuntime(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	vmVal := reflect.ValueOf(vm).Elem()

	rtField := vmVal.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}

	rtPtr := unsafe.Pointer(rtField.Pointer())
	rtVal := reflect.NewAt(rtField.Type().Elem(), rtPtr).Elem()

	cRuntimeField := rtVal.FieldByName("cRuntime")
	if !cRuntimeField.IsValid() {
		return 0, nil, false
	}
	cRuntime = uintptr(cRuntimeField.Uint())

	tlsField := rtVal.FieldByName("tls")
	if !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil, false
	}
	tls = (*libc.TLS)(unsafe.Pointer(tlsField.Pointer()))

	return cRuntime, tls, true
}

// extractContext pulls the unexported cContext pointer out of a *quickjs.VM
// — the first field per the layout jobpump.go and the teacher's qjsRuntime
// both documented.
func extractContext(vm *quickjs.VM) uintptr {
	vmPtr := uintptr(unsafe.Pointer(vm))
	return *(*uintptr)(unsafe.Pointer(vmPtr))
}

// jsReadObjBytecode is QuickJS's JS_READ_OBJ_BYTECODE flag, passed to
// JS_ReadObject to say the buffer holds serialized bytecode rather than a
// plain JS value.
const jsReadObjBytecode = 1

// evalBytecode loads and runs a serialized QuickJS bytecode buffer via the
// raw C API, mirroring the original runtime's Worker_Eval_Bytecode.
func evalBytecode(vm *quickjs.VM, code []byte) error {
	if len(code) == 0 {
		return fmt.Errorf("quickjsengine: empty bytecode buffer")
	}

	_, tls, ok := extractRuntime(vm)
	if !ok {
		return fmt.Errorf("quickjsengine: could not extract runtime internals for bytecode eval")
	}
	ctx := extractContext(vm)

	bufPtr := uintptr(unsafe.Pointer(&code[0]))
	loaded := lib.XJS_ReadObject(tls, ctx, bufPtr, lib.Tsize_t(len(code)), jsReadObjBytecode)

	result := lib.XJS_EvalFunction(tls, ctx, loaded)
	defer lib.XFreeValue(tls, ctx, result)

	return nil
}
