package scriptpool

import (
	"time"

	"github.com/google/uuid"

	"github.com/quillrun/scriptpool/internal/task"
)

// Task is a submitted unit of work: a script body plus a completion
// callback, per spec.md §3's Data Model.
type Task = task.Task

// CompletionFunc is invoked exactly once per Task, after the Execution
// Context it drove has been fully released.
type CompletionFunc = task.CompletionFunc

func newTask(id uint64, kind task.Kind, payload []byte, cb CompletionFunc) *Task {
	return &Task{
		ID:         id,
		UUID:       uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		Complete:   cb,
		SubmitTime: time.Now(),
	}
}
