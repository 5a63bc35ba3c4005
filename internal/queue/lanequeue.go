package queue

import "sync"

// laneQueue is an unbounded FIFO with any number of producers and a single
// consumer. Push never blocks, so the dispatcher is never held up by a slow
// lane.
type laneQueue struct {
	mu    sync.Mutex
	items []Assignment
}

func (q *laneQueue) Push(a Assignment) {
	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()
}

// PopBatch removes and returns up to limit assignments from the head.
func (q *laneQueue) PopBatch(limit int) []Assignment {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return nil
	}
	if limit > 0 && n > limit {
		n = limit
	}

	batch := make([]Assignment, n)
	copy(batch, q.items[:n])

	// Release references so drained payloads can be collected.
	clear(q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return batch
}

func (q *laneQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
