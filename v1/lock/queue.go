package lock

import "time"

type waiter struct {
	ready    chan struct{}
	granted  bool
	enqueued time.Time
}

// waitQueue holds the pending acquirers of one key in arrival order.
// It is only touched with the owning shard mutex held.
type waitQueue struct {
	items []*waiter
}

func (q *waitQueue) len() int { return len(q.items) }

func (q *waitQueue) push(w *waiter) {
	q.items = append(q.items, w)
}

// pop removes and returns the head of the queue, or nil when empty.
func (q *waitQueue) pop() *waiter {
	if len(q.items) == 0 {
		return nil
	}
	w := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return w
}

// remove drops target preserving the order of the others.
func (q *waitQueue) remove(target *waiter) bool {
	for i, w := range q.items {
		if w == target {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}
