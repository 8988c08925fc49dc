package kernel

import (
	"fmt"
	"sync"
)

// Resource is a handle shared by several tasks under the immediate priority
// ceiling protocol: while a task holds it, the system ceiling is raised to
// the highest priority of any declared user, so no other user can start and
// a holder is only ever delayed by tasks that never touch the resource.
type Resource[T any] struct {
	k       *Kernel
	name    string
	ceiling Priority
	users   uint32

	mu     sync.Mutex
	held   bool
	holder TaskID
	seq    uint32

	v T
}

// NewResource declares a resource used by the given tasks. The ceiling is the
// highest priority among them.
func NewResource[T any](k *Kernel, name string, v T, users ...TaskID) (*Resource[T], error) {
	if k.started {
		return nil, ErrStarted
	}
	r := &Resource[T]{k: k, name: name, v: v}
	for _, id := range users {
		if !k.valid(id) {
			return nil, fmt.Errorf("kernel: resource %s: %w: %d", name, ErrNoSuchTask, id)
		}
		r.users |= 1 << id
		if p := k.prio(id); p > r.ceiling {
			r.ceiling = p
		}
	}
	return r, nil
}

// Name returns the resource name.
func (r *Resource[T]) Name() string { return r.name }

// Ceiling returns the resource ceiling priority.
func (r *Resource[T]) Ceiling() Priority { return r.ceiling }

// Held reports whether some task currently holds the resource.
func (r *Resource[T]) Held() bool { return r.held }

// Guard is exclusive access to a resource. Release it on every path, or use
// Resource.With.
type Guard[T any] struct {
	r    *Resource[T]
	prev Priority
	seq  uint32
}

// Acquire takes the resource for the calling task.
//
// Under the ceiling protocol the resource is never held when a declared user
// starts, so Acquire does not wait: it fails with ErrBusy if a guard was
// leaked by a task that already returned. Transactions performed under the
// guard must be short and must not wait on a deadline.
//
// A guard released from a deferred call while the holder panics still
// dispatches before the fault is raised. Use With when the work may panic.
func (r *Resource[T]) Acquire(ctx *Context) (Guard[T], error) {
	if r.users&(1<<ctx.id) == 0 {
		return Guard[T]{}, fmt.Errorf("kernel: resource %s: task %s: %w", r.name, ctx.Name(), ErrNotDeclared)
	}
	if r.held && r.holder == ctx.id {
		return Guard[T]{}, fmt.Errorf("kernel: resource %s: task %s: %w", r.name, ctx.Name(), ErrReentrant)
	}
	if r.held || !r.mu.TryLock() {
		return Guard[T]{}, fmt.Errorf("kernel: resource %s: task %s: %w", r.name, ctx.Name(), ErrBusy)
	}

	k := r.k
	prev := k.ceiling
	if r.ceiling > k.ceiling {
		k.ceiling = r.ceiling
	}
	r.held = true
	r.holder = ctx.id
	r.seq++
	k.tasks[ctx.id].guards++
	return Guard[T]{r: r, prev: prev, seq: r.seq}, nil
}

// Value returns the guarded handle.
func (g Guard[T]) Value() T { return g.r.v }

// Release gives the resource back, restores the previous ceiling and runs
// any task that became runnable above it. Releasing twice is a no-op.
func (g Guard[T]) Release() {
	r := g.r
	if r == nil || !r.held || r.seq != g.seq {
		return
	}
	r.k.tasks[r.holder].guards--
	r.held = false
	r.holder = NoTask
	r.mu.Unlock()
	r.k.ceiling = g.prev
	r.k.dispatch()
}

// With runs fn with exclusive access to the handle and releases it on every
// exit path. If fn panics the fault is raised before the guard is released,
// so nothing else runs between the panic and the fatal handler.
func (r *Resource[T]) With(ctx *Context, fn func(T) error) error {
	g, err := r.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			r.k.raise(PanicInfo{
				TaskID: ctx.id,
				Task:   ctx.Name(),
				Value:  p,
				Stack:  captureStack(),
			})
			g.Release()
			panic(p)
		}
		g.Release()
	}()
	return fn(g.Value())
}
