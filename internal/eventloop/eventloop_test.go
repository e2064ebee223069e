package eventloop

import (
	"testing"
	"time"

	"github.com/quillrun/scriptpool/internal/core"
)

type fakeContext struct {
	evals  []string
	microT int
	hitCap bool
}

func (f *fakeContext) Eval(src string) error                  { f.evals = append(f.evals, src); return nil }
func (f *fakeContext) EvalBytecode(code []byte) error         { return nil }
func (f *fakeContext) RegisterFunc(name string, fn any) error { return nil }
func (f *fakeContext) RunMicrotasks() bool                    { f.microT++; return f.hitCap }
func (f *fakeContext) Close()                                 {}

func TestRegisterAndFireOneShot(t *testing.T) {
	el := New()
	ctx := &fakeContext{}
	id := el.RegisterTimer(1, time.Millisecond, false)
	if id <= 0 {
		t.Fatalf("RegisterTimer returned id %d", id)
	}
	time.Sleep(2 * time.Millisecond)

	lookup := func(ctxID uint64) (core.EngineContext, bool) {
		if ctxID == 1 {
			return ctx, true
		}
		return nil, false
	}

	pending := el.RunLoopOnce(lookup)
	if pending != 0 {
		t.Fatalf("pending = %d, want 0 after one-shot fires", pending)
	}
	if len(ctx.evals) != 1 {
		t.Fatalf("evals = %d, want 1", len(ctx.evals))
	}
	if ctx.microT != 1 {
		t.Fatalf("RunMicrotasks called %d times, want 1", ctx.microT)
	}
}

func TestPeriodicReschedules(t *testing.T) {
	el := New()
	ctx := &fakeContext{}
	el.RegisterTimer(1, time.Millisecond, true)
	lookup := func(ctxID uint64) (core.EngineContext, bool) { return ctx, true }

	time.Sleep(2 * time.Millisecond)
	if pending := el.RunLoopOnce(lookup); pending != 1 {
		t.Fatalf("pending after first fire = %d, want 1 (rescheduled)", pending)
	}

	time.Sleep(2 * time.Millisecond)
	el.RunLoopOnce(lookup)
	if len(ctx.evals) < 2 {
		t.Fatalf("periodic timer fired %d times, want >= 2", len(ctx.evals))
	}
}

func TestClearTimer(t *testing.T) {
	el := New()
	id := el.RegisterTimer(1, time.Hour, false)
	el.ClearTimer(id)
	if el.Pending() != 0 {
		t.Fatalf("Pending() = %d after clear, want 0", el.Pending())
	}
	// Clearing again is a no-op, not a panic.
	el.ClearTimer(id)
}

func TestCancelContextDropsOnlyThatContextsTimers(t *testing.T) {
	el := New()
	el.RegisterTimer(1, time.Hour, false)
	id2 := el.RegisterTimer(2, time.Hour, false)

	removed := el.CancelContext(1)
	if len(removed) != 1 {
		t.Fatalf("CancelContext(1) removed %d, want 1", len(removed))
	}
	if el.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", el.Pending())
	}
	el.ClearTimer(id2)
	if el.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", el.Pending())
	}
}

func TestLookupMissFiresNothing(t *testing.T) {
	el := New()
	el.RegisterTimer(99, time.Millisecond, false)
	time.Sleep(2 * time.Millisecond)

	pending := el.RunLoopOnce(func(ctxID uint64) (core.EngineContext, bool) {
		return nil, false
	})
	if pending != 0 {
		t.Fatalf("pending = %d, want 0 (dropped timer still consumed)", pending)
	}
}
