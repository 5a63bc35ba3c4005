package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/eventlanes/internal/audit"
)

type subjectPayload struct {
	ID   string `json:"id"`
	Lang string `json:"lang"`
}

func (p subjectPayload) AuditSubject() (string, string, int) { return p.ID, p.Lang, 3 }

type mockHistory struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *mockHistory) Emit(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockHistory) all() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...)
}

type countingScope struct {
	mu       sync.Mutex
	entered  int
	released int
}

func (s *countingScope) Enter(ctx context.Context) (context.Context, func()) {
	s.mu.Lock()
	s.entered++
	s.mu.Unlock()
	return context.WithValue(ctx, checksSuppressedKey{}, true), func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}
}

func newTestLane(cfg LaneConfig, deps LaneDeps) *Lane {
	if cfg.Partition == "" {
		cfg.Partition = "test"
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Hour
	}
	if deps.Tracker == nil {
		deps.Tracker = NewTracker(1)
	}
	deps.Logger = zerolog.Nop()
	return NewLane(0, cfg, deps)
}

func assign(t *testing.T, r *Registry, payloadType string, seq int64, payload []byte) Assignment {
	t.Helper()
	b, ok := r.Resolve(payloadType)
	require.True(t, ok)
	return Assignment{
		Entry: Entry{
			Position:    Position{Sequence: seq},
			PayloadType: payloadType,
			Payload:     payload,
			CreatedAt:   time.Unix(seq, 0),
		},
		Binding: b,
	}
}

func TestLane_AppliesInOrderAndMarksProgress(t *testing.T) {
	var order applyLog
	r := NewRegistry()
	Register(r, "item", func(_ context.Context, p seqPayload) error {
		order.add(p.Seq)
		return nil
	})
	tr := NewTracker(1)
	l := newTestLane(LaneConfig{BatchSize: 2}, LaneDeps{Tracker: tr})

	for _, seq := range []int64{1, 4, 7} {
		l.Enqueue(assign(t, r, "item", seq, []byte(fmt.Sprintf(`{"seq":%d}`, seq))))
	}

	n, err := l.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "drain is bounded by batch size")
	n, err = l.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []int64{1, 4, 7}, order.snapshot())
	m, ok := tr.LastApplied(0)
	require.True(t, ok)
	assert.Equal(t, int64(7), m.Position.Sequence)
	assert.Equal(t, int64(3), l.counters.Count)
}

func TestLane_ScopeWrapsEachBatch(t *testing.T) {
	var suppressed []bool
	r := NewRegistry()
	Register(r, "item", func(ctx context.Context, _ seqPayload) error {
		suppressed = append(suppressed, ChecksSuppressed(ctx))
		return nil
	})
	scope := &countingScope{}
	l := newTestLane(LaneConfig{BatchSize: 1}, LaneDeps{Scope: scope})

	l.Enqueue(assign(t, r, "item", 1, []byte(`{}`)))
	l.Enqueue(assign(t, r, "item", 2, []byte(`{}`)))
	_, err := l.Drain(context.Background())
	require.NoError(t, err)
	_, err = l.Drain(context.Background())
	require.NoError(t, err)
	_, err = l.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, scope.entered, "empty drains do not enter the scope")
	assert.Equal(t, 2, scope.released)
	assert.Equal(t, []bool{true, true}, suppressed)
}

func TestLane_HandlerErrorStopsLane(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	Register(r, "item", func(_ context.Context, p seqPayload) error {
		if p.Seq == 2 {
			return boom
		}
		return nil
	})
	tr := NewTracker(1)
	l := newTestLane(LaneConfig{IdleSleep: time.Millisecond}, LaneDeps{Tracker: tr})
	l.Enqueue(assign(t, r, "item", 1, []byte(`{"seq":1}`)))
	l.Enqueue(assign(t, r, "item", 2, []byte(`{"seq":2}`)))
	l.Enqueue(assign(t, r, "item", 3, []byte(`{"seq":3}`)))

	err := l.Run(context.Background())

	var laneErr *LaneError
	require.ErrorAs(t, err, &laneErr)
	assert.Equal(t, int64(2), laneErr.Position.Sequence)
	assert.ErrorIs(t, err, ErrHandler)
	assert.ErrorIs(t, err, boom)

	m, _ := tr.LastApplied(0)
	assert.Equal(t, int64(1), m.Position.Sequence, "failed entry is not marked applied")

	running, stateErr := l.State()
	assert.False(t, running)
	assert.ErrorIs(t, stateErr, ErrLaneStopped)
}

func TestLane_PanicIsRecovered(t *testing.T) {
	r := NewRegistry()
	scope := &countingScope{}
	Register(r, "item", func(context.Context, seqPayload) error { panic("kaboom") })
	l := newTestLane(LaneConfig{}, LaneDeps{Scope: scope})
	l.Enqueue(assign(t, r, "item", 5, []byte(`{}`)))

	_, err := l.Drain(context.Background())

	var laneErr *LaneError
	require.ErrorAs(t, err, &laneErr)
	assert.Equal(t, int64(5), laneErr.Position.Sequence)
	assert.ErrorIs(t, err, ErrHandler)
	assert.ErrorContains(t, err, "kaboom")
	assert.Equal(t, 1, scope.released, "scope is released after a panic")
}

func TestLane_MalformedPayload(t *testing.T) {
	r := NewRegistry()
	Register(r, "item", func(context.Context, seqPayload) error { return nil })

	t.Run("fatal by default", func(t *testing.T) {
		l := newTestLane(LaneConfig{}, LaneDeps{})
		l.Enqueue(assign(t, r, "item", 1, []byte(`{broken`)))

		_, err := l.Drain(context.Background())
		assert.ErrorIs(t, err, ErrDeserialization)
	})

	t.Run("skipped when configured", func(t *testing.T) {
		tr := NewTracker(1)
		l := newTestLane(LaneConfig{SkipMalformed: true}, LaneDeps{Tracker: tr})
		l.Enqueue(assign(t, r, "item", 1, []byte(`{broken`)))
		l.Enqueue(assign(t, r, "item", 2, []byte(`{"seq":2}`)))

		n, err := l.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, int64(1), l.counters.Skipped)
		m, _ := tr.LastApplied(0)
		assert.Equal(t, int64(2), m.Position.Sequence)
	})
}

func TestLane_HistoryDetails(t *testing.T) {
	r := NewRegistry()
	Register(r, "item:saved", func(context.Context, subjectPayload) error { return nil })

	t.Run("records subject", func(t *testing.T) {
		history := &mockHistory{}
		l := newTestLane(LaneConfig{HistoryDetails: true, Instance: "node-a"}, LaneDeps{History: history})
		l.Enqueue(assign(t, r, "item:saved", 1, []byte(`{"id":"item-1","lang":"en"}`)))

		_, err := l.Drain(context.Background())
		require.NoError(t, err)

		entries := history.all()
		require.Len(t, entries, 1)
		e := entries[0]
		assert.Equal(t, audit.CategoryEvent, e.Category)
		assert.Equal(t, "item:saved", e.Action)
		assert.Equal(t, "item-1", e.EntityID)
		assert.Equal(t, "en", e.Language)
		assert.Equal(t, 3, e.Version)
		assert.Equal(t, "node-a", e.Instance)
		assert.Equal(t, time.Unix(1, 0).UTC().Format(time.RFC3339Nano), e.Detail)
	})

	t.Run("disabled", func(t *testing.T) {
		history := &mockHistory{}
		l := newTestLane(LaneConfig{}, LaneDeps{History: history})
		l.Enqueue(assign(t, r, "item:saved", 1, []byte(`{"id":"item-1"}`)))

		_, err := l.Drain(context.Background())
		require.NoError(t, err)
		assert.Empty(t, history.all())
	})
}

func TestLane_RunStopsOnCancel(t *testing.T) {
	l := newTestLane(LaneConfig{IdleSleep: time.Millisecond}, LaneDeps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool {
		running, _ := l.State()
		return running
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	running, err := l.State()
	assert.False(t, running)
	assert.NoError(t, err)
}
