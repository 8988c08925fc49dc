package kernel

import "sync/atomic"

const mailboxSlots = 8

// Mailbox is a fixed-size single-producer, single-consumer queue.
// It never allocates and never blocks, so either side may be a task body or
// an interrupt handler.
type Mailbox[T any] struct {
	_     [0]func() // prevent accidental copying.
	head  atomic.Uint32
	tail  atomic.Uint32
	slots [mailboxSlots]T
}

// TrySend enqueues v, returning false if the mailbox is full.
func (mb *Mailbox[T]) TrySend(v T) bool {
	head := mb.head.Load()
	if head-mb.tail.Load() >= mailboxSlots {
		return false
	}
	mb.slots[head%mailboxSlots] = v
	mb.head.Store(head + 1)
	return true
}

// TryRecv dequeues one value, returning false if empty.
func (mb *Mailbox[T]) TryRecv() (T, bool) {
	tail := mb.tail.Load()
	if tail == mb.head.Load() {
		var zero T
		return zero, false
	}
	v := mb.slots[tail%mailboxSlots]
	mb.tail.Store(tail + 1)
	return v, true
}

// Len returns the number of queued values.
func (mb *Mailbox[T]) Len() int {
	return int(mb.head.Load() - mb.tail.Load())
}
