package scriptpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T, threadCount int) Config {
	return Config{
		ThreadCount: threadCount,
		Backend:     compiledBackend,
		Logger:      zaptest.NewLogger(t),
	}
}

// Scenario 1 (spec §8): basic dispatch with a counting completion callback.
func TestBasicDispatch(t *testing.T) {
	p, err := New(testConfig(t, 2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		err := p.SubmitSource("globalThis.x = 1 + 2", func(_ *Task, _ error) {
			count.Add(1)
		})
		if err != nil {
			t.Fatalf("SubmitSource: %v", err)
		}
	}

	if err := p.WaitForIdle(5 * time.Second); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
	if got := count.Load(); got != 3 {
		t.Fatalf("callback count = %d, want 3", got)
	}
	if got := p.GetPoolStats().CompletedTasks; got != 3 {
		t.Fatalf("CompletedTasks = %d, want 3", got)
	}
}

// Scenario 2 (spec §8): the cleared (throwing) timer's callback must never
// fire, and the completion callback fires after the surviving 50ms timer
// with no error.
func TestTimerLifecycleClearTimeout(t *testing.T) {
	p, err := New(testConfig(t, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	done := make(chan error, 1)
	src := `
		setTimeout(() => { globalThis.hit = true; }, 50);
		var id2 = setTimeout(() => { throw new Error('x'); }, 100);
		clearTimeout(id2);
	`
	start := time.Now()
	if err := p.SubmitSource(src, func(_ *Task, evalErr error) {
		done <- evalErr
	}); err != nil {
		t.Fatalf("SubmitSource: %v", err)
	}

	select {
	case evalErr := <-done:
		if evalErr != nil {
			t.Fatalf("completion callback reported error: %v", evalErr)
		}
		if time.Since(start) < 50*time.Millisecond {
			t.Fatalf("completed after %s, want >= 50ms", time.Since(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}
}

// Scenario 3 (spec §8): a periodic timer cancels itself from within its own
// callback after a fixed number of firings.
func TestIntervalSelfCancels(t *testing.T) {
	p, err := New(testConfig(t, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	done := make(chan struct{})
	start := time.Now()
	src := `let n=0; const id=setInterval(() => { if (++n === 3) clearInterval(id); }, 20);`
	if err := p.SubmitSource(src, func(_ *Task, _ error) { close(done) }); err != nil {
		t.Fatalf("SubmitSource: %v", err)
	}

	select {
	case <-done:
		if time.Since(start) < 60*time.Millisecond {
			t.Fatalf("completed after %s, want >= 60ms", time.Since(start))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("completion callback never fired")
	}
}

// Scenario 4 (spec §8): back-pressure at the global queue boundary.
func TestBackPressureBoundary(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.GlobalQueueSize = 4
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	var wg sync.WaitGroup
	wg.Add(1)
	// Occupy the one worker with a long-running synchronous body so the
	// next 4 submissions sit in the queue.
	if err := p.SubmitSource(`var start = Date.now(); while (Date.now() - start < 200) {}`, func(_ *Task, _ error) {
		wg.Done()
	}); err != nil {
		t.Fatalf("SubmitSource (blocker): %v", err)
	}

	ok := 0
	for i := 0; i < 4; i++ {
		if err := p.SubmitSource("1", func(_ *Task, _ error) {}); err == nil {
			ok++
		}
	}
	if ok != 4 {
		t.Fatalf("accepted %d of 4 queue-filling submissions, want 4", ok)
	}

	if err := p.SubmitSource("1", func(_ *Task, _ error) {}); err == nil {
		t.Fatal("5th submission on a full queue should have been refused")
	}

	wg.Wait()
	if err := p.WaitForIdle(5 * time.Second); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}

	if err := p.SubmitSource("1", func(_ *Task, _ error) {}); err != nil {
		t.Fatalf("submission after drain should succeed, got %v", err)
	}
}

// Scenario 5 (spec §8): work-stealing spreads load across workers.
func TestWorkStealingSpreadsLoad(t *testing.T) {
	cfg := testConfig(t, 4)
	cfg.EnableWorkStealing = true
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		if err := p.SubmitSource(`var start = Date.now(); while (Date.now() - start < 5) {}`, func(_ *Task, _ error) {
			wg.Done()
		}); err != nil {
			t.Fatalf("SubmitSource: %v", err)
		}
	}
	wg.Wait()

	if err := p.WaitForIdle(5 * time.Second); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
	if got := p.GetPoolStats().CompletedTasks; got != 10 {
		t.Fatalf("CompletedTasks = %d, want 10", got)
	}
}

// Scenario 6 (spec §8): shutting down an idle pool returns promptly and
// fires no stray callbacks.
func TestShutdownDuringIdle(t *testing.T) {
	p, err := New(testConfig(t, 3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.WaitForIdle(time.Second); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}

	start := time.Now()
	p.Shutdown()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Shutdown took %s, want well under 1s", elapsed)
	}

	// Shutdown is idempotent.
	p.Shutdown()
}

func TestSubmitAfterShutdownRefused(t *testing.T) {
	p, err := New(testConfig(t, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Shutdown()

	if err := p.SubmitSource("1", func(_ *Task, _ error) {}); err == nil {
		t.Fatal("SubmitSource after Shutdown should be refused")
	}
}

func TestSubmitBytecodeRejectsEmptyPayload(t *testing.T) {
	p, err := New(testConfig(t, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	if err := p.SubmitBytecode(nil, func(_ *Task, _ error) {}); err == nil {
		t.Fatal("SubmitBytecode with an empty payload should be refused")
	}
}

func TestResizeGrowAndShrink(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.MinThreadCount = 1
	cfg.MaxThreadCount = 6
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	if err := p.Resize(4); err != nil {
		t.Fatalf("Resize(4): %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for p.activeThreadCount() != 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := p.activeThreadCount(); got != 4 {
		t.Fatalf("activeThreadCount = %d, want 4 after growing", got)
	}

	if err := p.Resize(1); err != nil {
		t.Fatalf("Resize(1): %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for p.activeThreadCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.activeThreadCount(); got != 1 {
		t.Fatalf("activeThreadCount = %d, want 1 after shrinking", got)
	}
}

func TestResizeRejectsOutOfBounds(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.MinThreadCount = 2
	cfg.MaxThreadCount = 3
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	if err := p.Resize(1); err == nil {
		t.Fatal("Resize below MinThreadCount should be refused")
	}
	if err := p.Resize(4); err == nil {
		t.Fatal("Resize above MaxThreadCount should be refused")
	}
}

func TestGetThreadStatsUnknownID(t *testing.T) {
	p, err := New(testConfig(t, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	if _, err := p.GetThreadStats(999); err == nil {
		t.Fatal("GetThreadStats for an unknown id should error")
	}
}
