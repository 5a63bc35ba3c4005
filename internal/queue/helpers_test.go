package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// memLog is an in-memory LogReader.
type memLog struct {
	mu       sync.Mutex
	entries  []Entry
	taken    map[int64]int
	fetchErr error
	takeErr  error
	base     time.Time
}

func newMemLog() *memLog {
	return &memLog{taken: make(map[int64]int), base: time.Now().UTC()}
}

func (m *memLog) add(payloadType string, payload any) Entry {
	m.mu.Lock()
	seq := len(m.entries) + 1
	m.mu.Unlock()
	return m.addAt(payloadType, payload, m.base.Add(time.Duration(seq)*time.Millisecond))
}

// addAt appends an entry with an explicit creation time, which need not
// follow sequence order.
func (m *memLog) addAt(payloadType string, payload any, created time.Time) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	seq := int64(len(m.entries) + 1)
	e := Entry{
		Position:       Position{Sequence: seq, Time: created},
		PayloadType:    payloadType,
		Payload:        raw,
		SourceInstance: "test",
		CreatedAt:      created,
	}
	m.entries = append(m.entries, e)
	return e
}

func (m *memLog) FetchSince(_ context.Context, after Position, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []Entry
	for _, e := range m.entries {
		if e.Position.Sequence <= after.Sequence || e.CreatedAt.Before(after.Time) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memLog) MarkTaken(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taken[e.Position.Sequence]++
	return m.takeErr
}

func (m *memLog) PendingCount(_ context.Context, after Position) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Position.Sequence > after.Sequence {
			n++
		}
	}
	return n, nil
}

func (m *memLog) takenCount(seq int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taken[seq]
}

// memProps is an in-memory CursorBackend.
type memProps struct {
	mu     sync.Mutex
	values map[string]string
	writes int
	getErr error
	setErr error
}

func newMemProps() *memProps {
	return &memProps{values: make(map[string]string)}
}

func (p *memProps) GetProperty(_ context.Context, partition, name string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return "", false, p.getErr
	}
	v, ok := p.values[partition+"/"+name]
	return v, ok, nil
}

func (p *memProps) SetProperty(_ context.Context, partition, name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setErr != nil {
		return p.setErr
	}
	p.values[partition+"/"+name] = value
	p.writes++
	return nil
}

func (p *memProps) get(partition, name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[partition+"/"+name]
}

func (p *memProps) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

type seqPayload struct {
	Seq int64 `json:"seq"`
}

// applyLog records the order in which handlers ran.
type applyLog struct {
	mu   sync.Mutex
	seqs []int64
}

func (a *applyLog) add(seq int64) {
	a.mu.Lock()
	a.seqs = append(a.seqs, seq)
	a.mu.Unlock()
}

func (a *applyLog) snapshot() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.seqs...)
}

func (a *applyLog) contains(seq int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.seqs {
		if s == seq {
			return true
		}
	}
	return false
}

// recordingLane captures assignments instead of applying them.
type recordingLane struct {
	mu   sync.Mutex
	seqs []int64
}

func (r *recordingLane) Enqueue(a Assignment) {
	r.mu.Lock()
	r.seqs = append(r.seqs, a.Entry.Position.Sequence)
	r.mu.Unlock()
}

func (r *recordingLane) got() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seqs...)
}
