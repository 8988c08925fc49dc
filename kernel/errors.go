package kernel

import (
	"errors"
	"fmt"
)

var (
	ErrStarted       = errors.New("kernel: already started")
	ErrNotStarted    = errors.New("kernel: not started")
	ErrTaskTableFull = errors.New("kernel: task table full")
	ErrNoSuchTask    = errors.New("kernel: no such task")
	ErrNotDeclared   = errors.New("kernel: task is not a declared user of the resource")
	ErrReentrant     = errors.New("kernel: resource already held by the calling task")
	// ErrBusy means another task still holds the resource. Under the ceiling
	// protocol that only happens after a guard was leaked.
	ErrBusy = errors.New("kernel: resource busy")
	// ErrGuardLeaked is raised as a fault when a task returns still holding
	// a guard.
	ErrGuardLeaked = errors.New("kernel: task returned holding a resource guard")
	ErrNoDeadline  = errors.New("kernel: task has no deadline trigger")
)

// FatalError is returned by Run once a task reported an unrecoverable fault
// or panicked. Dispatching stops for good.
type FatalError struct {
	TaskID TaskID
	Task   string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("kernel: fatal in task %s: %v", e.Task, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
