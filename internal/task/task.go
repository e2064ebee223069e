// Package task defines the Task entity (spec.md §3), kept in its own
// package so both internal/queue and the root package can refer to it
// without an import cycle.
package task

import "time"

// Kind tags which payload form a Task carries.
type Kind int

const (
	// Source means Payload is UTF-8 JavaScript source text.
	Source Kind = iota
	// Bytecode means Payload is a pre-compiled engine bytecode buffer.
	Bytecode
)

func (k Kind) String() string {
	if k == Bytecode {
		return "bytecode"
	}
	return "source"
}

// CompletionFunc is a Task's completion callback, invoked exactly once
// after the Execution Context it drove has been fully torn down. err is
// non-nil if evaluation failed (spec.md §7: script errors are logged and
// consumed, never propagated, but the callback still learns about them).
type CompletionFunc func(t *Task, err error)

// Task is a single submission unit: a script body plus a completion
// callback, queued until a worker dequeues and runs it.
type Task struct {
	// ID is a monotonically assigned, per-pool submission counter.
	ID uint64
	// UUID is a human-greppable identity for logs/stats, supplementing ID.
	UUID string

	Kind    Kind
	Payload []byte // owned copy; see spec.md invariant I5

	Complete CompletionFunc

	// PoolRef is a back-pointer to the owning Pool, typed any to avoid an
	// import cycle; the root package stores/reads its own *Pool here. A
	// stolen Task has this rewritten to the stealing worker's pool
	// (defensive — see spec.md §4.4's work-stealing contract).
	PoolRef any

	SubmitTime time.Time
	StartTime  time.Time
	Duration   time.Duration
}
