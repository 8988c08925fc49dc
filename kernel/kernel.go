package kernel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Kernel is a priority-preemptive, run-to-completion dispatcher over a static
// task table.
//
// Interrupt and Pend may be called from any goroutine or interrupt handler.
// Every other method must be called from the goroutine that drives Poll or
// Run (the dispatcher), or before Start.
type Kernel struct {
	clock *Clock
	timer Timer

	tasks     [maxTasks]taskState
	taskCount TaskID
	order     [maxTasks]TaskID
	lines     [maxLines]TaskID

	pendingLines atomic.Uint32
	pendingTasks atomic.Uint32
	wake         chan struct{}

	runnable  uint32
	ceiling   Priority
	deadlines deadlineQueue
	hwArmed   bool
	hwAt      Instant
	nested    time.Duration

	started   bool
	fatal     *FatalError
	onFatal   func(PanicInfo)
	onOverrun func(TaskDesc, time.Duration)
}

// New creates a kernel driven by the given hardware timer.
func New(t Timer) *Kernel {
	k := &Kernel{
		clock: NewClock(t),
		timer: t,
		wake:  make(chan struct{}, 1),
	}
	for i := range k.lines {
		k.lines[i] = NoTask
	}
	t.SetHandler(k.signal)
	return k
}

// Clock returns the kernel time source.
func (k *Kernel) Clock() *Clock { return k.clock }

// Now returns the current instant.
func (k *Kernel) Now() Instant { return k.clock.Now() }

// AddTask registers a task and returns its ID.
func (k *Kernel) AddTask(d TaskDesc) (TaskID, error) {
	if k.started {
		return NoTask, ErrStarted
	}
	if k.taskCount >= maxTasks {
		return NoTask, ErrTaskTableFull
	}
	id := k.taskCount
	k.taskCount++
	k.tasks[id] = taskState{desc: d}
	return id, nil
}

// Start validates the task table and freezes it.
func (k *Kernel) Start() error {
	if k.started {
		return ErrStarted
	}
	if k.taskCount == 0 {
		return fmt.Errorf("kernel: no tasks")
	}

	var seen [256]bool
	for id := TaskID(0); id < k.taskCount; id++ {
		d := &k.tasks[id].desc
		if d.Task == nil {
			return fmt.Errorf("kernel: task %q: nil body", d.Name)
		}
		if d.Priority == 0 {
			return fmt.Errorf("kernel: task %q: priority 0 is reserved for idle", d.Name)
		}
		if seen[d.Priority] {
			return fmt.Errorf("kernel: task %q: priority %d already taken", d.Name, d.Priority)
		}
		seen[d.Priority] = true

		if d.Trigger&TriggerInterrupt == 0 {
			continue
		}
		if d.Line >= maxLines {
			return fmt.Errorf("kernel: task %q: interrupt line %d out of range", d.Name, d.Line)
		}
		if other := k.lines[d.Line]; other != NoTask {
			return fmt.Errorf("kernel: task %q: interrupt line %d already bound to %q",
				d.Name, d.Line, k.tasks[other].desc.Name)
		}
		k.lines[d.Line] = id
	}

	// Descending priority; the table is tiny.
	for id := TaskID(0); id < k.taskCount; id++ {
		k.order[id] = id
		for j := id; j > 0 && k.prio(k.order[j]) > k.prio(k.order[j-1]); j-- {
			k.order[j], k.order[j-1] = k.order[j-1], k.order[j]
		}
	}

	k.started = true
	return nil
}

func (k *Kernel) prio(id TaskID) Priority { return k.tasks[id].desc.Priority }

func (k *Kernel) valid(id TaskID) bool { return id < k.taskCount }

// Task returns the descriptor of a task.
func (k *Kernel) Task(id TaskID) (TaskDesc, bool) {
	if !k.valid(id) {
		return TaskDesc{}, false
	}
	return k.tasks[id].desc, true
}

// State returns the dispatch state of a task.
func (k *Kernel) State(id TaskID) TaskState {
	if !k.valid(id) {
		return TaskIdle
	}
	if k.tasks[id].state == TaskRunning {
		return TaskRunning
	}
	if k.runnable&(1<<id) != 0 {
		return TaskRunnable
	}
	return TaskIdle
}

// Stats returns the dispatch counters of a task.
func (k *Kernel) Stats(id TaskID) TaskStats {
	if !k.valid(id) {
		return TaskStats{}
	}
	return k.tasks[id].stats
}

// SetOverrunHandler installs a hook called when a task exceeds its budget.
func (k *Kernel) SetOverrunHandler(fn func(TaskDesc, time.Duration)) {
	k.onOverrun = fn
}

// Schedule arms (or replaces) the deadline of a task. Only tasks declared
// with TriggerDeadline may be scheduled.
func (k *Kernel) Schedule(id TaskID, at Instant) error {
	if !k.valid(id) {
		return ErrNoSuchTask
	}
	if k.tasks[id].desc.Trigger&TriggerDeadline == 0 {
		return fmt.Errorf("%w: %s", ErrNoDeadline, k.tasks[id].desc.Name)
	}
	k.deadlines.arm(id, at)
	return nil
}

// Cancel removes the pending deadline of a task.
func (k *Kernel) Cancel(id TaskID) bool {
	if !k.valid(id) {
		return false
	}
	return k.deadlines.cancel(id)
}

// Deadline returns the pending deadline of a task.
func (k *Kernel) Deadline(id TaskID) (Instant, bool) {
	if !k.valid(id) {
		return 0, false
	}
	return k.deadlines.get(id)
}

// Interrupt marks the task bound to line runnable. It is safe to call from
// interrupt context: it only sets a pending bit and wakes the dispatcher.
func (k *Kernel) Interrupt(line Line) {
	if line >= maxLines {
		return
	}
	orBits(&k.pendingLines, 1<<line)
	k.signal()
}

// Pend marks a task runnable from outside the dispatcher.
func (k *Kernel) Pend(id TaskID) {
	if id >= maxTasks {
		return
	}
	orBits(&k.pendingTasks, 1<<id)
	k.signal()
}

func (k *Kernel) signal() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// Poll runs every task that is runnable now, then returns.
func (k *Kernel) Poll() error {
	if !k.started {
		return ErrNotStarted
	}
	k.dispatch()
	if k.fatal != nil {
		return k.fatal
	}
	return nil
}

// Run dispatches until ctx is done or a task reports a fatal fault. While no
// task is runnable the dispatcher waits for the timer compare or an interrupt.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.started {
		if err := k.Start(); err != nil {
			return err
		}
	}
	for {
		k.dispatch()
		if k.fatal != nil {
			k.disarm()
			return k.fatal
		}
		select {
		case <-ctx.Done():
			k.disarm()
			return ctx.Err()
		case <-k.wake:
		}
	}
}

// dispatch runs runnable tasks above the current ceiling, highest priority
// first. It is re-entered from preemption points inside running tasks.
func (k *Kernel) dispatch() {
	for k.fatal == nil {
		k.collect()
		id, ok := k.highest()
		if !ok {
			return
		}
		k.run(id)
	}
}

func (k *Kernel) highest() (TaskID, bool) {
	if k.runnable == 0 {
		return NoTask, false
	}
	for _, id := range k.order[:k.taskCount] {
		if k.prio(id) <= k.ceiling {
			return NoTask, false
		}
		if k.runnable&(1<<id) != 0 {
			return id, true
		}
	}
	return NoTask, false
}

func (k *Kernel) run(id TaskID) {
	st := &k.tasks[id]
	k.runnable &^= 1 << id
	st.state = TaskRunning

	prevCeiling := k.ceiling
	k.ceiling = st.desc.Priority
	outerNested := k.nested
	k.nested = 0

	start := k.clock.Now()
	ctx := Context{k: k, id: id}
	k.invoke(&ctx)
	if st.guards > 0 {
		k.raise(PanicInfo{
			TaskID: id,
			Task:   st.desc.Name,
			Value:  fmt.Errorf("%w: %d held", ErrGuardLeaked, st.guards),
		})
	}
	elapsed := k.clock.Now().Sub(start)

	own := elapsed - k.nested
	if own < 0 {
		own = 0
	}
	k.nested = outerNested + elapsed
	k.ceiling = prevCeiling
	st.state = TaskIdle

	st.stats.Runs++
	if own > st.stats.Longest {
		st.stats.Longest = own
	}
	if st.desc.Budget > 0 && own > st.desc.Budget {
		st.stats.Overruns++
		if k.onOverrun != nil {
			k.onOverrun(st.desc, own)
		}
	}
}

func (k *Kernel) invoke(ctx *Context) {
	defer func() {
		if r := recover(); r != nil {
			k.raise(PanicInfo{
				TaskID: ctx.id,
				Task:   k.tasks[ctx.id].desc.Name,
				Value:  r,
				Stack:  captureStack(),
			})
		}
	}()
	k.tasks[ctx.id].desc.Task.Run(ctx)
}

// collect turns pending interrupts, software pends and elapsed deadlines
// into runnable tasks and re-arms the timer compare for the nearest
// remaining deadline.
func (k *Kernel) collect() {
	if lines := k.pendingLines.Swap(0); lines != 0 {
		for line := Line(0); line < maxLines; line++ {
			if lines&(1<<line) == 0 {
				continue
			}
			if id := k.lines[line]; id != NoTask {
				k.runnable |= 1 << id
			}
		}
	}
	if tasks := k.pendingTasks.Swap(0); tasks != 0 {
		k.runnable |= tasks & k.taskMask()
	}

	for {
		now := k.clock.Now()
		k.runnable |= k.deadlines.popDue(now)
		next, ok := k.deadlines.next()
		if !ok {
			k.disarm()
			return
		}
		k.arm(next)
		if k.clock.Now() < next {
			return
		}
	}
}

func (k *Kernel) taskMask() uint32 {
	if k.taskCount >= 32 {
		return ^uint32(0)
	}
	return 1<<k.taskCount - 1
}

func (k *Kernel) arm(at Instant) {
	if k.hwArmed && k.hwAt == at {
		return
	}
	k.timer.Arm(uint64(at))
	k.hwArmed = true
	k.hwAt = at
}

func (k *Kernel) disarm() {
	if !k.hwArmed {
		return
	}
	k.timer.Disarm()
	k.hwArmed = false
}

func orBits(v *atomic.Uint32, bits uint32) {
	for {
		old := v.Load()
		if old&bits == bits || v.CompareAndSwap(old, old|bits) {
			return
		}
	}
}
