package queue

import "sync/atomic"

// Mark records the last entry a lane applied.
type Mark struct {
	Position Position
	Barrier  bool
}

// Tracker holds per-lane progress. Each lane writes only its own slots;
// any goroutine may read all of them.
type Tracker struct {
	applied  []atomic.Pointer[Mark]
	waiting  []atomic.Pointer[Position]
	assigned []atomic.Int64
}

func NewTracker(lanes int) *Tracker {
	if lanes < 1 {
		lanes = 1
	}
	return &Tracker{
		applied:  make([]atomic.Pointer[Mark], lanes),
		waiting:  make([]atomic.Pointer[Position], lanes),
		assigned: make([]atomic.Int64, lanes),
	}
}

// Len returns the number of lanes tracked.
func (t *Tracker) Len() int { return len(t.applied) }

// MarkAssigned counts an entry handed to lane.
func (t *Tracker) MarkAssigned(lane int) {
	t.assigned[lane].Add(1)
}

// Assigned returns how many entries lane has been given.
func (t *Tracker) Assigned(lane int) int64 {
	return t.assigned[lane].Load()
}

// MarkApplied publishes m as lane's most recently applied entry.
func (t *Tracker) MarkApplied(lane int, m Mark) {
	t.applied[lane].Store(&m)
}

// LastApplied returns lane's most recently applied entry.
func (t *Tracker) LastApplied(lane int) (Mark, bool) {
	m := t.applied[lane].Load()
	if m == nil {
		return Mark{}, false
	}
	return *m, true
}

// MarkWaiting records that lane is held at a barrier at pos.
func (t *Tracker) MarkWaiting(lane int, pos Position) {
	t.waiting[lane].Store(&pos)
}

// ClearWaiting records that lane is no longer held at a barrier.
func (t *Tracker) ClearWaiting(lane int) {
	t.waiting[lane].Store(nil)
}

// Waiting returns the barrier position lane is held at, if any.
func (t *Tracker) Waiting(lane int) (Position, bool) {
	p := t.waiting[lane].Load()
	if p == nil {
		return Position{}, false
	}
	return *p, true
}

// LowWaterMark returns the minimum applied position over lanes that have
// applied something. Lanes that were never assigned work are ignored. The
// second result is false if nothing has been applied yet, or if some lane
// has been assigned entries but applied none of them.
//
// Every applied slot is loaded before any assigned counter. An entry is
// assigned before any later entry is applied, so an assignment that precedes
// an observed apply is always seen.
func (t *Tracker) LowWaterMark() (Position, bool) {
	marks := make([]*Mark, len(t.applied))
	for i := range t.applied {
		marks[i] = t.applied[i].Load()
	}

	var (
		low   Position
		found bool
	)
	for i, m := range marks {
		if m == nil {
			if t.assigned[i].Load() > 0 {
				return Position{}, false
			}
			continue
		}
		if !found || m.Position.Before(low) {
			low = m.Position
			found = true
		}
	}
	return low, found
}
