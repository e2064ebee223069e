package scriptpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// PoolStats is the return shape of GetPoolStats, matching spec.md §6's
// get_pool_stats.
type PoolStats struct {
	ActiveThreads        int
	IdleThreads          int
	QueuedTasks          int
	CompletedTasks       uint64
	ThreadUtilizationPct float64
	AvgExecutionTime     time.Duration
}

// String renders a human-readable summary, in the spirit of the pack's
// latency-benchmark reporting.
func (s PoolStats) String() string {
	return fmt.Sprintf(
		"active=%d idle=%d queued=%d completed=%s util=%.1f%% avg_exec=%s",
		s.ActiveThreads, s.IdleThreads, s.QueuedTasks,
		humanize.Comma(int64(s.CompletedTasks)), s.ThreadUtilizationPct, s.AvgExecutionTime,
	)
}

// ThreadStats is the return shape of GetThreadStats.
type ThreadStats struct {
	ThreadID         int
	Idle             bool
	TasksProcessed   uint64
	IdleTime         time.Duration
	BusyTime         time.Duration
	AvgExecutionTime time.Duration
}

func (s ThreadStats) String() string {
	return fmt.Sprintf(
		"thread=%d idle=%v processed=%s idle_time=%s busy_time=%s avg_exec=%s",
		s.ThreadID, s.Idle, humanize.Comma(int64(s.TasksProcessed)),
		s.IdleTime, s.BusyTime, s.AvgExecutionTime,
	)
}

// execTimeTracker keeps a running mean of task execution durations via
// Welford's method, avoiding a second pass over history on every stats
// read. Grounded in the latency-benchmark style of
// azargarov-wpool/pool_latency_bench_test.go, which aggregates per-job
// durations rather than sampling.
type execTimeTracker struct {
	mu    sync.Mutex
	count uint64
	mean  float64 // nanoseconds
}

func (t *execTimeTracker) observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	delta := float64(d) - t.mean
	t.mean += delta / float64(t.count)
}

// snapshot returns the current sample count and running mean (in
// nanoseconds), for callers combining several trackers into one
// pool-wide average.
func (t *execTimeTracker) snapshot() (count uint64, meanNs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count, t.mean
}

func (t *execTimeTracker) average() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return time.Duration(t.mean)
}
