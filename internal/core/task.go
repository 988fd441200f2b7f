package core

import "fmt"

// TaskState is the lifecycle state of a task. The only legal transitions
// are Waiting→Assigned→Finished and Waiting→Assigned→Errored; Finished and
// Errored are terminal.
type TaskState int

const (
	// TaskWaiting is the initial state: the task is registered but has not
	// been dispatched to a worker.
	TaskWaiting TaskState = iota
	// TaskAssigned means the task has been dispatched to its placed worker.
	TaskAssigned
	// TaskFinished means the worker reported successful completion.
	TaskFinished
	// TaskErrored means the worker reported failure, or an upstream
	// dependency failed.
	TaskErrored
)

func (s TaskState) String() string {
	switch s {
	case TaskWaiting:
		return "waiting"
	case TaskAssigned:
		return "assigned"
	case TaskFinished:
		return "finished"
	case TaskErrored:
		return "errored"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// TaskError carries the error information reported for a failed task.
type TaskError struct {
	Exception string
	Traceback string
}

// Task is one registry entry. Cross-references are by id and key, never by
// pointer, so entries stay owned by the Core tables.
type Task struct {
	Key        string
	State      TaskState
	Worker     WorkerID // placement; NoWorker until the authority places it
	Deps       []string
	Dependents []string
	NBytes     int64
	Err        *TaskError

	// pendingDeps counts direct dependencies not yet finished. The task is
	// runnable once this reaches zero and a placement exists.
	pendingDeps int
}

// placed reports whether the scheduling authority has recorded a placement.
func (t *Task) placed() bool { return t.Worker != NoWorker }

// runnable reports whether the task can be dispatched right now.
func (t *Task) runnable() bool {
	return t.State == TaskWaiting && t.pendingDeps == 0 && t.placed()
}

// FinishedReport is the core-level view of a worker's TaskFinished message.
type FinishedReport struct {
	Key    string
	NBytes int64
}

// ErrorReport is the core-level view of a worker's TaskErred message.
type ErrorReport struct {
	Key       string
	Exception string
	Traceback string
}
