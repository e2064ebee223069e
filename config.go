package scriptpool

import (
	"time"

	"go.uber.org/zap"
)

// Config mirrors spec.md §6's config object field-for-field, plus the
// ambient additions (Logger, Backend, MemoryLimitMB) SPEC_FULL.md adds. A
// zero Config is valid: New fills in every default. Sizes of 0 mean
// unbounded, per spec.md.
type Config struct {
	// ThreadCount is the number of worker threads. Default 4.
	ThreadCount int
	// MaxContextsPerRuntime caps live Execution Contexts per Worker
	// Runtime. 0 selects the default, 64; there is no unbounded setting.
	MaxContextsPerRuntime int
	// GlobalQueueSize caps the pool-wide Task Queue. 0 means unbounded.
	GlobalQueueSize int
	// LocalQueueSize caps each worker's local Task Queue. 0 means
	// unbounded.
	LocalQueueSize int
	// EnableWorkStealing lets idle workers steal from a peer's local
	// queue.
	EnableWorkStealing bool
	// IdleThreshold is the idle-thread count above which the adjuster
	// asks to shrink by one, when DynamicSizing is enabled.
	IdleThreshold int
	// DynamicSizing starts the adjuster thread.
	DynamicSizing bool

	// Logger receives structured pool/worker/timer lifecycle events. Nil
	// defaults to zap.NewNop().
	Logger *zap.Logger
	// Backend selects the scripting engine: "quickjs" (default) or "v8".
	// Only the backend compiled in via the matching build tag is usable;
	// requesting the other returns an error from New.
	Backend string
	// MemoryLimitMB caps each Worker Runtime's engine heap. 0 means no
	// cap.
	MemoryLimitMB int

	// MinThreadCount floors dynamic shrinking. Default 1.
	MinThreadCount int
	// MaxThreadCount ceils dynamic growth. 0 means unbounded.
	MaxThreadCount int
}

const (
	defaultThreadCount           = 4
	defaultMaxContextsPerRuntime = 64
	defaultIdleThreshold         = 2
	defaultMinThreadCount        = 1

	// workerIdleSleep, adjusterDampingInterval name the compile-time
	// tunables spec.md §6 calls out.
	workerIdleSleep         = 10 * time.Millisecond
	adjusterDampingInterval = time.Second
)

func (c Config) withDefaults() Config {
	if c.ThreadCount <= 0 {
		c.ThreadCount = defaultThreadCount
	}
	if c.MaxContextsPerRuntime == 0 {
		c.MaxContextsPerRuntime = defaultMaxContextsPerRuntime
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = defaultIdleThreshold
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Backend == "" {
		c.Backend = "quickjs"
	}
	if c.MinThreadCount <= 0 {
		c.MinThreadCount = defaultMinThreadCount
	}
	return c
}
