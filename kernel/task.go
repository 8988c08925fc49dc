package kernel

import "time"

const (
	maxTasks = 32
	maxLines = 8
)

// TaskID indexes the static task table.
type TaskID uint8

// NoTask marks an unused routing slot.
const NoTask = TaskID(0xFF)

// Priority orders tasks; a larger value runs first. Zero is the idle level
// and is not a valid task priority.
type Priority uint8

// Line identifies a hardware interrupt line.
type Line uint8

// Trigger selects which events make a task runnable.
//
// Software pends (deferred work handed off by another task) are always
// accepted regardless of the trigger set.
type Trigger uint8

const (
	TriggerInterrupt Trigger = 1 << iota
	TriggerDeadline
)

func (t Trigger) String() string {
	switch t {
	case 0:
		return "pend"
	case TriggerInterrupt:
		return "interrupt"
	case TriggerDeadline:
		return "deadline"
	case TriggerInterrupt | TriggerDeadline:
		return "interrupt|deadline"
	default:
		return "unknown"
	}
}

// Task is a run-to-completion unit of work. Run must not block: any wait for
// a future event is expressed by scheduling a deadline and returning.
type Task interface {
	Run(*Context)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(*Context)

func (f TaskFunc) Run(ctx *Context) { f(ctx) }

// TaskDesc is the immutable description of one task.
type TaskDesc struct {
	Name     string
	Priority Priority
	Trigger  Trigger
	// Line is the interrupt line bound to the task when Trigger includes
	// TriggerInterrupt.
	Line Line
	// Budget is the worst-case execution estimate. Zero disables overrun
	// accounting for the task.
	Budget time.Duration
	Task   Task
}

// TaskState is the dispatch state of a task.
type TaskState uint8

const (
	TaskIdle TaskState = iota
	TaskRunnable
	TaskRunning
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunnable:
		return "runnable"
	case TaskRunning:
		return "running"
	default:
		return "unknown"
	}
}

// TaskStats are dispatch counters for one task.
type TaskStats struct {
	Runs     uint32
	Overruns uint32
	Longest  time.Duration
}

type taskState struct {
	desc   TaskDesc
	state  TaskState
	stats  TaskStats
	guards uint8
}
