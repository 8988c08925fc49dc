package kernel

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type recorder struct {
	events []string
}

func (r *recorder) task(name string) Task {
	return TaskFunc(func(*Context) { r.events = append(r.events, name) })
}

func newTestKernel(t *testing.T) (*Kernel, *fakeTimer) {
	t.Helper()
	ft := &fakeTimer{}
	return New(ft), ft
}

func mustAdd(t *testing.T, k *Kernel, d TaskDesc) TaskID {
	t.Helper()
	id, err := k.AddTask(d)
	if err != nil {
		t.Fatalf("AddTask(%s): %v", d.Name, err)
	}
	return id
}

func mustStart(t *testing.T, k *Kernel) {
	t.Helper()
	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func mustPoll(t *testing.T, k *Kernel) {
	t.Helper()
	if err := k.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
}

func TestSimultaneousRunnableHigherPriorityFirst(t *testing.T) {
	k, _ := newTestKernel(t)
	var rec recorder
	low := mustAdd(t, k, TaskDesc{Name: "p2", Priority: 2, Task: rec.task("p2")})
	high := mustAdd(t, k, TaskDesc{Name: "p5", Priority: 5, Task: rec.task("p5")})
	mustStart(t, k)

	k.Pend(low)
	k.Pend(high)
	if got := k.State(low); got != TaskIdle {
		t.Fatalf("State(low) before collect = %s, want idle", got)
	}
	mustPoll(t, k)

	if want := []string{"p5", "p2"}; !reflect.DeepEqual(rec.events, want) {
		t.Fatalf("order = %v, want %v", rec.events, want)
	}
}

func TestPendPreemptsOnlyHigherPriority(t *testing.T) {
	k, _ := newTestKernel(t)
	var rec recorder
	var low, high TaskID
	low = mustAdd(t, k, TaskDesc{Name: "low", Priority: 2, Task: TaskFunc(func(ctx *Context) {
		rec.events = append(rec.events, "low:start")
		ctx.Pend(high)
		rec.events = append(rec.events, "low:end")
	})})
	high = mustAdd(t, k, TaskDesc{Name: "high", Priority: 5, Task: rec.task("high")})
	mustStart(t, k)

	k.Pend(low)
	mustPoll(t, k)
	want := []string{"low:start", "high", "low:end"}
	if !reflect.DeepEqual(rec.events, want) {
		t.Fatalf("order = %v, want %v", rec.events, want)
	}
}

func TestPendOfLowerPriorityWaitsForCompletion(t *testing.T) {
	k, _ := newTestKernel(t)
	var rec recorder
	var low TaskID
	low = mustAdd(t, k, TaskDesc{Name: "low", Priority: 2, Task: rec.task("low")})
	high := mustAdd(t, k, TaskDesc{Name: "high", Priority: 5, Task: TaskFunc(func(ctx *Context) {
		rec.events = append(rec.events, "high:start")
		ctx.Pend(low)
		if got := ctx.k.State(low); got != TaskRunnable {
			t.Errorf("State(low) = %s, want runnable", got)
		}
		rec.events = append(rec.events, "high:end")
	})})
	mustStart(t, k)

	k.Pend(high)
	mustPoll(t, k)
	want := []string{"high:start", "high:end", "low"}
	if !reflect.DeepEqual(rec.events, want) {
		t.Fatalf("order = %v, want %v", rec.events, want)
	}
}

func TestCoincidingDeadlinesFireInPriorityOrder(t *testing.T) {
	k, ft := newTestKernel(t)
	var rec recorder
	a := mustAdd(t, k, TaskDesc{Name: "a", Priority: 1, Trigger: TriggerDeadline, Task: rec.task("a")})
	b := mustAdd(t, k, TaskDesc{Name: "b", Priority: 7, Trigger: TriggerDeadline, Task: rec.task("b")})
	c := mustAdd(t, k, TaskDesc{Name: "c", Priority: 4, Trigger: TriggerDeadline, Task: rec.task("c")})
	mustStart(t, k)

	at := At(10 * time.Second)
	for _, id := range []TaskID{a, c, b} {
		if err := k.Schedule(id, at); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	mustPoll(t, k)
	if len(rec.events) != 0 {
		t.Fatalf("ran before deadline: %v", rec.events)
	}

	ft.advance(10 * time.Second)
	mustPoll(t, k)
	if want := []string{"b", "c", "a"}; !reflect.DeepEqual(rec.events, want) {
		t.Fatalf("order = %v, want %v", rec.events, want)
	}
}

func TestScheduleReplacesPendingDeadline(t *testing.T) {
	k, ft := newTestKernel(t)
	var rec recorder
	id := mustAdd(t, k, TaskDesc{Name: "poll", Priority: 1, Trigger: TriggerDeadline, Task: rec.task("poll")})
	mustStart(t, k)

	_ = k.Schedule(id, At(10*time.Second))
	_ = k.Schedule(id, At(20*time.Second))
	if at, ok := k.Deadline(id); !ok || at != At(20*time.Second) {
		t.Fatalf("Deadline() = %v, %v, want 20s", at, ok)
	}

	ft.advance(10 * time.Second)
	mustPoll(t, k)
	if len(rec.events) != 0 {
		t.Fatalf("stale deadline fired: %v", rec.events)
	}

	ft.advance(10 * time.Second)
	mustPoll(t, k)
	if got := k.Stats(id).Runs; got != 1 {
		t.Fatalf("Runs = %d, want 1", got)
	}
	if _, ok := k.Deadline(id); ok {
		t.Fatal("deadline still armed after firing")
	}
}

func TestTimerArmedForNearestDeadline(t *testing.T) {
	k, ft := newTestKernel(t)
	var rec recorder
	a := mustAdd(t, k, TaskDesc{Name: "a", Priority: 1, Trigger: TriggerDeadline, Task: rec.task("a")})
	b := mustAdd(t, k, TaskDesc{Name: "b", Priority: 2, Trigger: TriggerDeadline, Task: rec.task("b")})
	mustStart(t, k)

	_ = k.Schedule(a, At(30*time.Second))
	_ = k.Schedule(b, At(10*time.Second))
	mustPoll(t, k)
	if !ft.armed || ft.at != uint64(At(10*time.Second)) {
		t.Fatalf("timer armed=%v at=%d, want 10s", ft.armed, ft.at)
	}

	ft.advance(10 * time.Second)
	mustPoll(t, k)
	if !ft.armed || ft.at != uint64(At(30*time.Second)) {
		t.Fatalf("timer armed=%v at=%d, want 30s", ft.armed, ft.at)
	}

	k.Cancel(a)
	mustPoll(t, k)
	if ft.armed {
		t.Fatal("timer still armed with empty deadline queue")
	}
	if want := []string{"b"}; !reflect.DeepEqual(rec.events, want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
}

func TestInterruptMarksBoundTask(t *testing.T) {
	k, _ := newTestKernel(t)
	var rec recorder
	mustAdd(t, k, TaskDesc{Name: "irq", Priority: 3, Trigger: TriggerInterrupt, Line: 2, Task: rec.task("irq")})
	mustStart(t, k)

	k.Interrupt(5)
	mustPoll(t, k)
	if len(rec.events) != 0 {
		t.Fatalf("unbound line dispatched %v", rec.events)
	}

	k.Interrupt(2)
	k.Interrupt(2)
	mustPoll(t, k)
	if want := []string{"irq"}; !reflect.DeepEqual(rec.events, want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
}

func TestRetriggerDuringRunRunsAgain(t *testing.T) {
	k, _ := newTestKernel(t)
	runs := 0
	var self TaskID
	self = mustAdd(t, k, TaskDesc{Name: "self", Priority: 1, Task: TaskFunc(func(ctx *Context) {
		runs++
		if got := ctx.k.State(self); got != TaskRunning {
			t.Errorf("State() = %s, want running", got)
		}
		if runs == 1 {
			ctx.Pend(self)
		}
	})})
	mustStart(t, k)

	k.Pend(self)
	mustPoll(t, k)
	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
	if got := k.State(self); got != TaskIdle {
		t.Fatalf("State() = %s, want idle", got)
	}
}

func TestStartValidation(t *testing.T) {
	nop := TaskFunc(func(*Context) {})
	tests := []struct {
		name  string
		descs []TaskDesc
	}{
		{"empty", nil},
		{"zero priority", []TaskDesc{{Name: "a", Priority: 0, Task: nop}}},
		{"nil body", []TaskDesc{{Name: "a", Priority: 1}}},
		{"duplicate priority", []TaskDesc{
			{Name: "a", Priority: 3, Task: nop},
			{Name: "b", Priority: 3, Task: nop},
		}},
		{"duplicate line", []TaskDesc{
			{Name: "a", Priority: 1, Trigger: TriggerInterrupt, Line: 0, Task: nop},
			{Name: "b", Priority: 2, Trigger: TriggerInterrupt, Line: 0, Task: nop},
		}},
		{"line out of range", []TaskDesc{
			{Name: "a", Priority: 1, Trigger: TriggerInterrupt, Line: maxLines, Task: nop},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, _ := newTestKernel(t)
			for _, d := range tt.descs {
				mustAdd(t, k, d)
			}
			if err := k.Start(); err == nil {
				t.Fatal("Start() = nil, want error")
			}
		})
	}
}

func TestAddTaskAfterStart(t *testing.T) {
	k, _ := newTestKernel(t)
	mustAdd(t, k, TaskDesc{Name: "a", Priority: 1, Task: TaskFunc(func(*Context) {})})
	mustStart(t, k)
	if _, err := k.AddTask(TaskDesc{Name: "b", Priority: 2}); !errors.Is(err, ErrStarted) {
		t.Fatalf("AddTask after Start = %v, want ErrStarted", err)
	}
	if err := k.Start(); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Start = %v, want ErrStarted", err)
	}
}

func TestFatalStopsDispatch(t *testing.T) {
	k, _ := newTestKernel(t)
	var rec recorder
	busErr := errors.New("bus stuck")
	var other TaskID
	bad := mustAdd(t, k, TaskDesc{Name: "bad", Priority: 5, Task: TaskFunc(func(ctx *Context) {
		ctx.Pend(other)
		ctx.Fatal(busErr)
	})})
	other = mustAdd(t, k, TaskDesc{Name: "other", Priority: 1, Task: rec.task("other")})
	var infos []PanicInfo
	k.SetFatalHandler(func(info PanicInfo) { infos = append(infos, info) })
	mustStart(t, k)

	k.Pend(bad)
	err := k.Poll()
	var fe *FatalError
	if !errors.As(err, &fe) || !errors.Is(err, busErr) {
		t.Fatalf("Poll() = %v, want FatalError wrapping bus error", err)
	}
	if fe.Task != "bad" {
		t.Fatalf("FatalError.Task = %q, want bad", fe.Task)
	}
	if len(rec.events) != 0 {
		t.Fatalf("dispatched after fatal: %v", rec.events)
	}
	if len(infos) != 1 {
		t.Fatalf("fatal handler calls = %d, want 1", len(infos))
	}

	k.Pend(other)
	if err := k.Poll(); err == nil {
		t.Fatal("Poll() after fatal = nil, want error")
	}
	if len(rec.events) != 0 {
		t.Fatalf("dispatched after fatal: %v", rec.events)
	}
}

func TestPanickingTaskIsFatal(t *testing.T) {
	k, _ := newTestKernel(t)
	id := mustAdd(t, k, TaskDesc{Name: "boom", Priority: 1, Task: TaskFunc(func(*Context) {
		panic("boom")
	})})
	var got PanicInfo
	k.SetFatalHandler(func(info PanicInfo) { got = info })
	mustStart(t, k)

	k.Pend(id)
	if err := k.Poll(); err == nil {
		t.Fatal("Poll() = nil, want fatal error")
	}
	if got.Value != "boom" || got.Task != "boom" || len(got.Stack) == 0 {
		t.Fatalf("PanicInfo = %+v", got)
	}
}

func TestOverrunIsCounted(t *testing.T) {
	k, ft := newTestKernel(t)
	id := mustAdd(t, k, TaskDesc{
		Name:     "slow",
		Priority: 1,
		Budget:   time.Millisecond,
		Task:     TaskFunc(func(*Context) { ft.now += 2000 }),
	})
	var overran time.Duration
	k.SetOverrunHandler(func(d TaskDesc, took time.Duration) { overran = took })
	mustStart(t, k)

	k.Pend(id)
	mustPoll(t, k)
	st := k.Stats(id)
	if st.Overruns != 1 || st.Runs != 1 || st.Longest != 2*time.Millisecond {
		t.Fatalf("Stats() = %+v", st)
	}
	if overran != 2*time.Millisecond {
		t.Fatalf("overrun handler got %v, want 2ms", overran)
	}
}

func TestPreemptionTimeExcludedFromBudget(t *testing.T) {
	k, ft := newTestKernel(t)
	var high TaskID
	low := mustAdd(t, k, TaskDesc{Name: "low", Priority: 1, Budget: time.Millisecond, Task: TaskFunc(func(ctx *Context) {
		ft.now += 500
		ctx.Pend(high)
	})})
	high = mustAdd(t, k, TaskDesc{Name: "high", Priority: 2, Task: TaskFunc(func(*Context) { ft.now += 5000 })})
	mustStart(t, k)

	k.Pend(low)
	mustPoll(t, k)
	if st := k.Stats(low); st.Overruns != 0 || st.Longest != 500*time.Microsecond {
		t.Fatalf("Stats(low) = %+v, want 500us and no overrun", st)
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	k, _ := newTestKernel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mustAdd(t, k, TaskDesc{Name: "irq", Priority: 1, Trigger: TriggerInterrupt, Line: 0, Task: TaskFunc(func(*Context) {
		cancel()
	})})

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()
	go k.Interrupt(0)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestScheduleRequiresDeadlineTrigger(t *testing.T) {
	k, ft := newTestKernel(t)
	var rec recorder
	irq := mustAdd(t, k, TaskDesc{Name: "irq", Priority: 2, Trigger: TriggerInterrupt, Line: 0, Task: rec.task("irq")})
	both := mustAdd(t, k, TaskDesc{Name: "both", Priority: 1, Trigger: TriggerInterrupt | TriggerDeadline, Line: 1, Task: rec.task("both")})
	mustStart(t, k)

	if err := k.Schedule(irq, At(time.Second)); !errors.Is(err, ErrNoDeadline) {
		t.Fatalf("Schedule(irq) = %v, want ErrNoDeadline", err)
	}
	if _, ok := k.Deadline(irq); ok {
		t.Fatal("deadline armed for an interrupt-only task")
	}
	if err := k.Schedule(both, At(time.Second)); err != nil {
		t.Fatalf("Schedule(both) = %v", err)
	}
	ft.advance(time.Second)
	mustPoll(t, k)
	if want := []string{"both"}; !reflect.DeepEqual(rec.events, want) {
		t.Fatalf("events = %v, want %v", rec.events, want)
	}
}

func TestSelfScheduleWithoutDeadlineTriggerIsFatal(t *testing.T) {
	k, _ := newTestKernel(t)
	id := mustAdd(t, k, TaskDesc{Name: "soft", Priority: 1, Task: TaskFunc(func(ctx *Context) {
		ctx.ScheduleAfter(time.Second)
	})})
	mustStart(t, k)

	k.Pend(id)
	err := k.Poll()
	var fe *FatalError
	if !errors.As(err, &fe) || !errors.Is(err, ErrNoDeadline) || fe.Task != "soft" {
		t.Fatalf("Poll() = %v, want ErrNoDeadline in soft", err)
	}
}
