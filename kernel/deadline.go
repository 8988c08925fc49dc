package kernel

type deadline struct {
	armed bool
	at    Instant
}

// deadlineQueue holds at most one pending deadline per task, indexed by
// task ID. Arming replaces the previous entry of the same task.
type deadlineQueue struct {
	slots [maxTasks]deadline
	armed uint32
}

func (q *deadlineQueue) arm(id TaskID, at Instant) {
	q.slots[id] = deadline{armed: true, at: at}
	q.armed |= 1 << id
}

func (q *deadlineQueue) cancel(id TaskID) bool {
	if q.armed&(1<<id) == 0 {
		return false
	}
	q.slots[id] = deadline{}
	q.armed &^= 1 << id
	return true
}

func (q *deadlineQueue) get(id TaskID) (Instant, bool) {
	d := q.slots[id]
	return d.at, d.armed
}

// next returns the earliest armed deadline.
func (q *deadlineQueue) next() (Instant, bool) {
	if q.armed == 0 {
		return 0, false
	}
	var (
		best  Instant
		found bool
	)
	for id := 0; id < maxTasks; id++ {
		if q.armed&(1<<id) == 0 {
			continue
		}
		at := q.slots[id].at
		if !found || at < best {
			best = at
			found = true
		}
	}
	return best, found
}

// popDue disarms every deadline at or before now and returns them as a task
// mask. Ordering among them is left to the dispatcher, which runs them by
// priority.
func (q *deadlineQueue) popDue(now Instant) uint32 {
	if q.armed == 0 {
		return 0
	}
	var due uint32
	for id := 0; id < maxTasks; id++ {
		if q.armed&(1<<id) == 0 || q.slots[id].at > now {
			continue
		}
		due |= 1 << id
		q.slots[id] = deadline{}
	}
	q.armed &^= due
	return due
}
