package kernel

import "time"

// Context provides task-local access to kernel operations. It is only valid
// for the duration of the Run call it was passed to.
type Context struct {
	k  *Kernel
	id TaskID
}

// TaskID returns the current task ID.
func (c *Context) TaskID() TaskID { return c.id }

// Name returns the current task name.
func (c *Context) Name() string { return c.k.tasks[c.id].desc.Name }

// Priority returns the static priority of the current task.
func (c *Context) Priority() Priority { return c.k.prio(c.id) }

// Now returns the current instant.
func (c *Context) Now() Instant { return c.k.clock.Now() }

// Pend marks a task runnable. A task with a higher priority than the current
// ceiling runs before Pend returns.
func (c *Context) Pend(id TaskID) {
	if !c.k.valid(id) {
		return
	}
	c.k.runnable |= 1 << id
	c.k.dispatch()
}

// Schedule arms or replaces the deadline of any task. The timer compare is
// re-armed when the current task returns.
func (c *Context) Schedule(id TaskID, at Instant) error {
	return c.k.Schedule(id, at)
}

// ScheduleAt arms or replaces the deadline of the current task. A task
// without TriggerDeadline that schedules itself is a fault.
func (c *Context) ScheduleAt(at Instant) {
	if err := c.k.Schedule(c.id, at); err != nil {
		c.Fatal(err)
	}
}

// ScheduleAfter arms the current task to run d from now.
func (c *Context) ScheduleAfter(d time.Duration) {
	c.ScheduleAt(c.Now().Add(d))
}

// Cancel removes the pending deadline of a task.
func (c *Context) Cancel(id TaskID) bool {
	return c.k.Cancel(id)
}

// Deadline returns the pending deadline of a task.
func (c *Context) Deadline(id TaskID) (Instant, bool) {
	return c.k.Deadline(id)
}

// Fatal stops the kernel: no task is dispatched after the current one
// returns. Use it for hardware faults with no safe continuation.
func (c *Context) Fatal(err error) {
	c.k.raise(PanicInfo{TaskID: c.id, Task: c.Name(), Value: err})
}
