// Package scriptpool is an embedded, multi-threaded execution pool for
// short-lived scripted jobs. A caller submits a job — source text or a
// pre-compiled bytecode blob — together with a completion callback; the
// pool dispatches it to one of several long-lived worker threads, each
// owning an isolated scripting runtime and event loop capable of
// servicing timers and microtasks produced during the job's execution.
// When the job's synchronous body and all pending asynchronous work have
// drained, its execution context is destroyed and the completion
// callback fires.
package scriptpool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"

	"github.com/quillrun/scriptpool/internal/core"
	"github.com/quillrun/scriptpool/internal/poolerr"
	"github.com/quillrun/scriptpool/internal/queue"
	"github.com/quillrun/scriptpool/internal/runtime"
	"github.com/quillrun/scriptpool/internal/task"
)

var (
	errEmptyBytecode = errors.New("bytecode payload is empty")
	errPoolShutdown  = errors.New("pool is shut down")
	errQueueFull     = errors.New("global queue full")

	// ErrWaitTimeout is returned by WaitForIdle when the deadline passes
	// before the pool reaches quiescence. It is not a PoolError kind
	// (spec.md §7 names script/submission/runtime failures, not a
	// wait-for-idle timeout, which is an ordinary caller-facing outcome).
	ErrWaitTimeout = errors.New("scriptpool: wait for idle timed out")
)

// Pool is the Worker Pool: owns the worker threads and their ThreadData,
// the global queue, pool-wide statistics, and (optionally) a
// sizing-adjuster goroutine.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	globalQueue *queue.Queue

	mu           sync.RWMutex // pool_mutex: guards the threads slice
	resizeMu     sync.Mutex   // serializes Resize decisions, spec.md §9
	threads      []*threadData
	nextThreadID int

	shutdownFlag   atomic.Bool
	completedTasks atomic.Uint64
	totalTasks     atomic.Uint64
	nextTaskID     atomic.Uint64
	idleCount      atomic.Int32

	waitMu     sync.Mutex
	waitSignal chan struct{}

	idleMu     sync.Mutex
	idleSignal chan struct{}

	adjusterRunning atomic.Bool
	adjusterDone    chan struct{}

	compiler core.Engine
}

// New creates a Pool per cfg (zero-valued fields take spec.md §6
// defaults) and starts its worker threads.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if cfg.Backend != compiledBackend {
		return nil, fmt.Errorf(
			"scriptpool: Config.Backend %q does not match the compiled-in backend %q (build with -tags %s to get it)",
			cfg.Backend, compiledBackend, cfg.Backend)
	}

	p := &Pool{
		cfg:          cfg,
		logger:       cfg.Logger,
		globalQueue:  queue.New(cfg.GlobalQueueSize),
		waitSignal:   make(chan struct{}),
		idleSignal:   make(chan struct{}),
		adjusterDone: make(chan struct{}),
	}

	compiler, err := newEngine(core.EngineConfig{MaxContexts: 1, MemoryLimitMB: cfg.MemoryLimitMB})
	if err != nil {
		return nil, poolerr.New(poolerr.KindResourceExhaustion, "new_pool", err)
	}
	p.compiler = compiler

	for i := 0; i < cfg.ThreadCount; i++ {
		if err := p.spawnWorker(); err != nil {
			p.Shutdown()
			return nil, err
		}
	}

	if cfg.DynamicSizing {
		p.adjusterRunning.Store(true)
		go p.adjusterLoop()
	} else {
		close(p.adjusterDone)
	}

	return p, nil
}

// spawnWorker allocates a fresh Worker Runtime and goroutine, appending it
// to the stable-pointer threads slice under the write lock.
func (p *Pool) spawnWorker() error {
	engine, err := newEngine(core.EngineConfig{
		MaxContexts:   p.cfg.MaxContextsPerRuntime,
		MemoryLimitMB: p.cfg.MemoryLimitMB,
	})
	if err != nil {
		return poolerr.New(poolerr.KindResourceExhaustion, "spawn_worker", err)
	}

	p.mu.Lock()
	id := p.nextThreadID
	p.nextThreadID++
	rt := runtime.New(engine, p.logger.Named("runtime").With(zap.Int("thread_id", id)))
	td := newThreadData(id, p, rt)

	next := make([]*threadData, 0, len(p.threads)+1)
	next = append(next, p.threads...)
	next = append(next, td)
	p.threads = next
	p.mu.Unlock()

	go td.run()
	return nil
}

// SubmitSource enqueues src for evaluation, per spec.md's submit_source.
func (p *Pool) SubmitSource(src string, cb CompletionFunc) error {
	return p.submit(task.Source, []byte(src), cb)
}

// SubmitBytecode enqueues a pre-compiled bytecode buffer, per spec.md's
// submit_bytecode. The buffer is copied; the caller retains ownership of
// code.
func (p *Pool) SubmitBytecode(code []byte, cb CompletionFunc) error {
	if len(code) == 0 {
		return poolerr.New(poolerr.KindSubmissionRefused, "submit_bytecode", errEmptyBytecode)
	}
	buf := make([]byte, len(code))
	copy(buf, code)
	return p.submit(task.Bytecode, buf, cb)
}

func (p *Pool) submit(kind task.Kind, payload []byte, cb CompletionFunc) error {
	if p.isShutdown() {
		return poolerr.New(poolerr.KindSubmissionRefused, "submit", errPoolShutdown)
	}

	id := p.nextTaskID.Add(1)
	t := newTask(id, kind, payload, cb)
	p.totalTasks.Add(1)

	switch p.globalQueue.Enqueue(t) {
	case queue.EnqueueOK:
		return nil
	case queue.EnqueueFull:
		return poolerr.New(poolerr.KindSubmissionRefused, "submit", errQueueFull)
	default: // EnqueueClosed — pool shut down between the check above and enqueue
		return poolerr.New(poolerr.KindSubmissionRefused, "submit", errPoolShutdown)
	}
}

// CompileBytecode is a convenience on top of, not a replacement for,
// SubmitBytecode: it runs source through esbuild to normalize/minify it,
// then asks the active engine backend to compile it into the form
// EvalBytecode on this same backend accepts. See
// core.Engine.CompileBytecode's backends for what "bytecode" means on
// each one.
func (p *Pool) CompileBytecode(source string) ([]byte, error) {
	result := api.Transform(source, api.TransformOptions{
		Target:            api.ES2020,
		MinifyWhitespace:  true,
		MinifyIdentifiers: false,
		MinifySyntax:      true,
	})
	if len(result.Errors) > 0 {
		return nil, poolerr.New(poolerr.KindScriptError, "compile_bytecode",
			fmt.Errorf("esbuild: %s", result.Errors[0].Text))
	}

	code, err := p.compiler.CompileBytecode(string(result.Code))
	if err != nil {
		return nil, poolerr.New(poolerr.KindScriptError, "compile_bytecode", err)
	}
	return code, nil
}

// Shutdown stops pulling new work, joins every worker thread (each
// observes shutdown within one dequeue bounded-wait cycle, ≈10ms), then
// destroys the global and local queues. Safe to call once; later calls
// are no-ops.
func (p *Pool) Shutdown() {
	if !p.shutdownFlag.CompareAndSwap(false, true) {
		return
	}

	if p.cfg.DynamicSizing {
		p.adjusterRunning.Store(false)
		p.wakeAdjuster()
		<-p.adjusterDone
	}

	p.mu.RLock()
	threads := p.threads
	p.mu.RUnlock()

	for _, td := range threads {
		<-td.done
	}

	drained := p.globalQueue.Destroy()
	for _, t := range drained {
		if t.Complete != nil {
			t.Complete(t, poolerr.New(poolerr.KindShutdownLeak, "shutdown", errors.New("task still queued at shutdown")))
		}
	}
	for _, td := range threads {
		local := td.localQueue.Destroy()
		for _, t := range local {
			if t.Complete != nil {
				t.Complete(t, poolerr.New(poolerr.KindShutdownLeak, "shutdown", errors.New("task still queued at shutdown")))
			}
		}
	}

	if p.compiler != nil {
		p.compiler.Close()
	}
}

func (p *Pool) isShutdown() bool { return p.shutdownFlag.Load() }

// WaitForIdle blocks until the global queue is empty and every worker is
// idle, or timeout elapses (0 means wait indefinitely).
func (p *Pool) WaitForIdle(timeout time.Duration) error {
	var deadline time.Time
	bounded := timeout > 0
	if bounded {
		deadline = time.Now().Add(timeout)
	}

	for {
		if p.isQuiescent() {
			return nil
		}

		p.waitMu.Lock()
		wake := p.waitSignal
		p.waitMu.Unlock()

		if !bounded {
			<-wake
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWaitTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			if p.isQuiescent() {
				return nil
			}
			return ErrWaitTimeout
		}
	}
}

func (p *Pool) isQuiescent() bool {
	return p.globalQueue.Len() == 0 && int(p.idleCount.Load()) == p.activeThreadCount()
}

func (p *Pool) activeThreadCount() int {
	p.mu.RLock()
	threads := p.threads
	p.mu.RUnlock()

	n := 0
	for _, td := range threads {
		select {
		case <-td.done:
		default:
			n++
		}
	}
	return n
}

func (p *Pool) incIdleThreadCount() {
	p.idleCount.Add(1)
	p.wakeWaiters()
}

func (p *Pool) decIdleThreadCount() {
	p.idleCount.Add(-1)
}

func (p *Pool) onTaskCompleted() {
	p.completedTasks.Add(1)
	p.wakeWaiters()
}

func (p *Pool) wakeWaiters() {
	p.waitMu.Lock()
	close(p.waitSignal)
	p.waitSignal = make(chan struct{})
	p.waitMu.Unlock()
}

func (p *Pool) signalAdjuster() {
	p.wakeAdjuster()
}

func (p *Pool) wakeAdjuster() {
	p.idleMu.Lock()
	close(p.idleSignal)
	p.idleSignal = make(chan struct{})
	p.idleMu.Unlock()
}

// Resize asks the pool to run with newThreadCount workers, per spec.md's
// resize_pool. Growing spawns workers immediately; shrinking marks the
// highest-id workers `retiring` so they self-exit after their current
// Task, per spec.md §4.4 and §9's stable-pointer resolution.
func (p *Pool) Resize(newThreadCount int) error {
	if newThreadCount < p.cfg.MinThreadCount {
		return poolerr.New(poolerr.KindSubmissionRefused, "resize_pool",
			fmt.Errorf("newThreadCount %d below MinThreadCount %d", newThreadCount, p.cfg.MinThreadCount))
	}
	if p.cfg.MaxThreadCount > 0 && newThreadCount > p.cfg.MaxThreadCount {
		return poolerr.New(poolerr.KindSubmissionRefused, "resize_pool",
			fmt.Errorf("newThreadCount %d above MaxThreadCount %d", newThreadCount, p.cfg.MaxThreadCount))
	}

	p.resizeMu.Lock()
	defer p.resizeMu.Unlock()

	p.mu.Lock()
	p.pruneRetiredLocked()
	current := 0
	for _, td := range p.threads {
		if !td.retiring.Load() {
			current++
		}
	}
	p.mu.Unlock()

	switch {
	case newThreadCount > current:
		for i := 0; i < newThreadCount-current; i++ {
			if err := p.spawnWorker(); err != nil {
				return err
			}
		}
	case newThreadCount < current:
		p.mu.Lock()
		p.shrinkByLocked(current - newThreadCount)
		p.mu.Unlock()
	}
	return nil
}

// shrinkByLocked marks the n highest-id, not-already-retiring workers to
// self-exit. Caller holds p.mu.
func (p *Pool) shrinkByLocked(n int) {
	marked := 0
	for i := len(p.threads) - 1; i >= 0 && marked < n; i-- {
		td := p.threads[i]
		if td.retiring.CompareAndSwap(false, true) {
			marked++
		}
	}
}

// pruneRetiredLocked drops fully-exited retiring workers from the slice,
// copying into a fresh backing array so any reader holding an older
// snapshot under RLock keeps seeing a stable, unmutated view. Caller
// holds p.mu.
func (p *Pool) pruneRetiredLocked() {
	kept := make([]*threadData, 0, len(p.threads))
	for _, td := range p.threads {
		if td.retiring.Load() {
			select {
			case <-td.done:
				continue
			default:
			}
		}
		kept = append(kept, td)
	}
	p.threads = kept
}

// GetPoolStats returns the aggregate snapshot per spec.md's
// get_pool_stats.
func (p *Pool) GetPoolStats() PoolStats {
	p.mu.RLock()
	threads := p.threads
	p.mu.RUnlock()

	idle, busy := 0, 0
	var busyMs, idleMs int64
	var weightedSum float64
	var totalCount uint64

	for _, td := range threads {
		select {
		case <-td.done:
			continue
		default:
		}
		if td.idle.Load() {
			idle++
		} else {
			busy++
		}
		busyMs += td.busyTimeMs.Load()
		idleMs += td.idleTimeMs.Load()

		c, m := td.execTimes.snapshot()
		totalCount += c
		weightedSum += m * float64(c)
	}

	util := 0.0
	if total := busyMs + idleMs; total > 0 {
		util = float64(busyMs) / float64(total) * 100
	}
	var avg time.Duration
	if totalCount > 0 {
		avg = time.Duration(weightedSum / float64(totalCount))
	}

	return PoolStats{
		ActiveThreads:        busy,
		IdleThreads:          idle,
		QueuedTasks:          p.globalQueue.Len(),
		CompletedTasks:       p.completedTasks.Load(),
		ThreadUtilizationPct: util,
		AvgExecutionTime:     avg,
	}
}

// GetThreadStats returns per-ThreadData counters for threadID, per
// spec.md's get_thread_stats.
func (p *Pool) GetThreadStats(threadID int) (ThreadStats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, td := range p.threads {
		if td.id != threadID {
			continue
		}
		return ThreadStats{
			ThreadID:         td.id,
			Idle:             td.idle.Load(),
			TasksProcessed:   td.tasksProcessed.Load(),
			IdleTime:         time.Duration(td.idleTimeMs.Load()) * time.Millisecond,
			BusyTime:         time.Duration(td.busyTimeMs.Load()) * time.Millisecond,
			AvgExecutionTime: td.execTimes.average(),
		}, nil
	}
	return ThreadStats{}, poolerr.New(poolerr.KindSubmissionRefused, "get_thread_stats",
		fmt.Errorf("no thread with id %d", threadID))
}
