package scriptpool

import (
	"sync"
	"testing"
	"time"
)

// TestStealTakesFromBusyPeerLeavingOneBehind exercises Pool.steal directly:
// spec.md §4.4 requires a would-be thief to leave at least one queued Task
// behind in the victim's local queue.
func TestStealTakesFromBusyPeerLeavingOneBehind(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.EnableWorkStealing = true
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	p.mu.RLock()
	victim := p.threads[0]
	p.mu.RUnlock()

	var tasks []*Task
	for i := 0; i < 3; i++ {
		tk := newTask(uint64(i), 0, []byte("1"), func(_ *Task, _ error) {})
		tasks = append(tasks, tk)
		victim.localQueue.Enqueue(tk)
	}

	// Mark the victim busy so steal() considers it a candidate.
	victim.idle.Store(false)

	stolen, ok := p.steal(victim.id + 1)
	if !ok {
		t.Fatal("steal() found nothing, want a stolen Task")
	}
	if stolen == nil {
		t.Fatal("steal() returned ok=true with a nil Task")
	}
	if victim.localQueue.Len() == 0 {
		t.Fatal("steal() should leave at least one Task behind in the victim's local queue")
	}
}

// TestStealSkipsIdleAndSelf verifies steal() never targets the thief
// itself or an idle peer.
func TestStealSkipsIdleAndSelf(t *testing.T) {
	cfg := testConfig(t, 1)
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	if _, ok := p.steal(0); ok {
		t.Fatal("steal() with a single, idle worker should find nothing")
	}
}

// TestExecuteTaskInvokesCallbackOnceOnContextReclaim is a narrower unit
// test of the worker loop's synchronous eval path: a callback should fire
// exactly once, after evaluation, for a script that arms no timers.
func TestExecuteTaskInvokesCallbackOnceOnContextReclaim(t *testing.T) {
	p, err := New(testConfig(t, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	var mu sync.Mutex
	calls := 0
	if err := p.SubmitSource("globalThis.y = 41 + 1", func(_ *Task, _ error) {
		mu.Lock()
		calls++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubmitSource: %v", err)
	}

	if err := p.WaitForIdle(5 * time.Second); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("completion callback invoked %d times, want exactly 1", calls)
	}
}

// TestExecuteTaskScriptErrorStillCompletes verifies a thrown script error
// is surfaced to the callback but does not prevent completion or take
// down the worker.
func TestExecuteTaskScriptErrorStillCompletes(t *testing.T) {
	p, err := New(testConfig(t, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	done := make(chan error, 1)
	if err := p.SubmitSource("throw new Error('boom')", func(_ *Task, evalErr error) {
		done <- evalErr
	}); err != nil {
		t.Fatalf("SubmitSource: %v", err)
	}

	select {
	case evalErr := <-done:
		if evalErr == nil {
			t.Fatal("expected a non-nil eval error for a throwing script")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback never fired for a throwing script")
	}

	// The worker must still service further work after a script error.
	if err := p.SubmitSource("1", func(_ *Task, _ error) {}); err != nil {
		t.Fatalf("SubmitSource after a script error: %v", err)
	}
	if err := p.WaitForIdle(5 * time.Second); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
}
