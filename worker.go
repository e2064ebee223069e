package scriptpool

import (
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quillrun/scriptpool/internal/poolerr"
	"github.com/quillrun/scriptpool/internal/queue"
	"github.com/quillrun/scriptpool/internal/runtime"
	"github.com/quillrun/scriptpool/internal/task"
)

// threadData is one worker thread's state, per spec.md §3's Data Model
// entry of the same name: a goroutine standing in for the OS thread,
// each exclusively owning its Worker Runtime and local Task Queue.
type threadData struct {
	id   int
	pool *Pool

	rt         *runtime.Runtime
	localQueue *queue.Queue

	idle     atomic.Bool
	retiring atomic.Bool // adjuster-requested self-exit, spec.md §4.4 shrink

	tasksProcessed atomic.Uint64
	idleTimeMs     atomic.Int64
	busyTimeMs     atomic.Int64
	execTimes      execTimeTracker

	logger *zap.Logger
	done   chan struct{}
}

func newThreadData(id int, p *Pool, rt *runtime.Runtime) *threadData {
	return &threadData{
		id:         id,
		pool:       p,
		rt:         rt,
		localQueue: queue.New(p.cfg.LocalQueueSize),
		logger:     p.cfg.Logger.Named("worker").With(zap.Int("thread_id", id)),
		done:       make(chan struct{}),
	}
}

// run is the worker's main loop, grounded on the original threadpool.c's
// worker_thread: dequeue-or-steal, execute, step the event loop, sleep
// when idle. Runs as its own goroutine; one per thread slot.
func (td *threadData) run() {
	defer close(td.done)

	td.idle.Store(true)
	td.pool.incIdleThreadCount()
	stateSince := time.Now()

	for !td.pool.isShutdown() && !td.retiring.Load() {
		t := td.nextTask()

		if t != nil {
			if td.idle.Load() {
				td.idleTimeMs.Add(time.Since(stateSince).Milliseconds())
				stateSince = time.Now()
				td.idle.Store(false)
				td.pool.decIdleThreadCount()
			}
			td.executeTask(t)
			td.tasksProcessed.Add(1)
			continue
		}

		if !td.idle.Load() {
			td.busyTimeMs.Add(time.Since(stateSince).Milliseconds())
			stateSince = time.Now()
			td.idle.Store(true)
			td.pool.incIdleThreadCount()
			td.pool.signalAdjuster()
		}

		pending := td.rt.RunLoopOnce()
		if pending == 0 {
			time.Sleep(workerIdleSleep)
		}
	}

	if td.idle.Load() {
		td.idleTimeMs.Add(time.Since(stateSince).Milliseconds())
		td.pool.decIdleThreadCount()
	} else {
		td.busyTimeMs.Add(time.Since(stateSince).Milliseconds())
	}

	if err := td.rt.Close(); err != nil {
		td.logger.Warn("runtime shutdown reported residual state", zap.Error(err))
	}
}

// nextTask tries the global queue, then the local queue, then (if
// enabled) stealing from a peer — spec.md §4.4's worker loop order.
func (td *threadData) nextTask() *task.Task {
	if t, ok := td.pool.globalQueue.Dequeue(); ok {
		return t
	}
	if t, ok := td.localQueue.Dequeue(); ok {
		return t
	}
	if td.pool.cfg.EnableWorkStealing {
		if t, ok := td.pool.steal(td.id); ok {
			return t
		}
	}
	return nil
}

// executeTask records start time, creates an Execution Context bound to
// t's completion, evaluates the payload, and releases the payload buffer
// immediately afterward (spec.md invariant I5). The Task's own
// completion callback is not invoked here — it fires later, from the
// Context's onDone hook, whenever the Context actually becomes
// reclaimable (immediately if no timers were armed, deferred otherwise).
func (td *threadData) executeTask(t *task.Task) {
	t.StartTime = time.Now()
	t.PoolRef = td.pool

	ctx, err := td.rt.NewContext(func(_ *runtime.Context, evalErr error) {
		td.finishTask(t, evalErr)
	})
	if err != nil {
		td.finishTask(t, poolerr.New(poolerr.KindRuntimeCapacity, "execute_task", err))
		return
	}

	var evalErr error
	switch t.Kind {
	case task.Bytecode:
		evalErr = td.rt.EvalBytecode(ctx, t.Payload)
	default:
		evalErr = td.rt.EvalSource(ctx, string(t.Payload))
	}
	t.Payload = nil
	if evalErr != nil {
		td.logger.Debug("task evaluation failed", zap.Error(evalErr))
	}

	// Give a freshly-armed zero-delay timer a prompt chance to fire.
	td.rt.RunLoopOnce()
}

// finishTask is the Context-reclamation hook: stamps duration, folds it
// into the running mean, invokes the caller's callback exactly once, and
// tells the pool a Task is done (bumping completed_tasks and possibly
// waking wait_for_idle waiters).
func (td *threadData) finishTask(t *task.Task, evalErr error) {
	t.Duration = time.Since(t.StartTime)
	td.execTimes.observe(t.Duration)
	if t.Complete != nil {
		t.Complete(t, evalErr)
	}
	td.pool.onTaskCompleted()
}

// steal implements spec.md §4.4's steal(thief_id): random victim start,
// skip self and idle victims, try_lock only (never block a victim), and
// only take a Task if the victim has more than one queued so its own
// pipeline stays warm.
func (p *Pool) steal(thiefID int) (*task.Task, bool) {
	p.mu.RLock()
	threads := p.threads
	p.mu.RUnlock()

	n := len(threads)
	if n < 2 {
		return nil, false
	}

	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		victim := threads[(start+i)%n]
		if victim == nil || victim.id == thiefID || victim.idle.Load() {
			continue
		}
		if t, ok := victim.localQueue.TryStealOne(); ok {
			t.PoolRef = p
			return t, true
		}
	}
	return nil, false
}
