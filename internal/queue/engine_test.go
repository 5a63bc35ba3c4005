package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testConfig(lanes int) Config {
	return Config{
		Partition:       "web",
		Instance:        "node-a",
		LaneCount:       lanes,
		BatchSize:       100,
		IdleSleep:       2 * time.Millisecond,
		BarrierSync:     true,
		BarrierPoll:     2 * time.Millisecond,
		BarrierStallLog: time.Hour,
		LogInterval:     time.Hour,
		PersistInterval: time.Millisecond,
		CursorMaxAge:    time.Hour,
	}
}

type runningEngine struct {
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, e *Engine) *runningEngine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningEngine{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- e.Run(ctx) }()
	return r
}

func (r *runningEngine) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestNew_Validation(t *testing.T) {
	deps := Dependencies{Reader: newMemLog(), Cursors: newMemProps(), Registry: NewRegistry()}

	_, err := New(testConfig(0), deps)
	assert.Error(t, err)

	_, err = New(testConfig(2), Dependencies{Cursors: newMemProps(), Registry: NewRegistry()})
	assert.Error(t, err)

	cfg := testConfig(2)
	cfg.Partition = ""
	_, err = New(cfg, deps)
	assert.Error(t, err)

	e, err := New(testConfig(2), deps)
	require.NoError(t, err)
	assert.Len(t, e.LaneStates(), 2)
}

func TestEngine_BarrierWaitsForEarlierEntriesOnAllLanes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := newMemLog()
	props := newMemProps()
	var applied applyLog

	releaseLane0 := make(chan struct{})
	releaseLane1 := make(chan struct{})
	var seenAtBarrier []int64
	var barrierMu sync.Mutex

	r := NewRegistry()
	Register(r, "item", func(_ context.Context, p seqPayload) error {
		switch p.Seq {
		case 3:
			<-releaseLane0
		case 4:
			<-releaseLane1
		}
		applied.add(p.Seq)
		return nil
	})
	Register(r, "publish:end", func(_ context.Context, p seqPayload) error {
		barrierMu.Lock()
		seenAtBarrier = applied.snapshot()
		barrierMu.Unlock()
		applied.add(p.Seq)
		return nil
	}, AsBarrier())

	// With three lanes: lane 0 gets 3,6,9; lane 1 gets 1,4,7; lane 2 gets 2,5,8.
	for i := int64(1); i <= 9; i++ {
		typ := "item"
		if i == 5 {
			typ = "publish:end"
		}
		log.add(typ, seqPayload{Seq: i})
	}

	e, err := New(testConfig(3), Dependencies{Reader: log, Cursors: props, Registry: r, Logger: zerolog.Nop()})
	require.NoError(t, err)
	run := start(t, e)

	// Lane 0 is paused on entry 3 and lane 1 on entry 4.
	require.Eventually(t, func() bool { return applied.contains(1) && applied.contains(2) }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, applied.contains(5), "barrier applied while both peers were behind")
	assert.False(t, applied.contains(8), "lane 2 is held behind its barrier")

	close(releaseLane0)
	require.Eventually(t, func() bool { return applied.contains(9) }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, applied.contains(5), "barrier applied while lane 1 was behind")

	close(releaseLane1)
	require.Eventually(t, func() bool { return len(applied.snapshot()) == 9 }, 2*time.Second, 5*time.Millisecond)

	barrierMu.Lock()
	seen := seenAtBarrier
	barrierMu.Unlock()
	for _, seq := range []int64{1, 2, 3, 4} {
		assert.Contains(t, seen, seq, "entry %d should be applied before the barrier", seq)
	}

	run.stop(t)

	// Final flush stores min(9, 7, 8).
	pos, err := ParsePosition(props.get("web", "EQStampEffective_node-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos.Sequence)
	for seq := int64(1); seq <= 9; seq++ {
		assert.Equal(t, 1, log.takenCount(seq))
	}
}

func TestEngine_ResumeReplaysEntriesAfterCursor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := newMemLog()
	props := newMemProps()
	var applied applyLog
	r := NewRegistry()
	Register(r, "item", func(_ context.Context, p seqPayload) error {
		applied.add(p.Seq)
		return nil
	})
	for i := int64(1); i <= 9; i++ {
		log.add("item", seqPayload{Seq: i})
	}
	deps := Dependencies{Reader: log, Cursors: props, Registry: r, Logger: zerolog.Nop()}

	first, err := New(testConfig(3), deps)
	require.NoError(t, err)
	run := start(t, first)
	require.Eventually(t, func() bool { return len(applied.snapshot()) == 9 }, 2*time.Second, 5*time.Millisecond)
	run.stop(t)

	stored, err := ParsePosition(props.get("web", "EQStampEffective_node-a"))
	require.NoError(t, err)
	require.Equal(t, int64(7), stored.Sequence)

	second, err := New(testConfig(3), deps)
	require.NoError(t, err)
	startPos, resumed, err := second.StartPosition(context.Background())
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, int64(7), startPos.Sequence)

	run = start(t, second)
	require.Eventually(t, func() bool { return len(applied.snapshot()) == 11 }, 2*time.Second, 5*time.Millisecond)
	run.stop(t)

	// Entries between the cursor and the frontier are delivered again.
	got := applied.snapshot()[9:]
	assert.ElementsMatch(t, []int64{8, 9}, got)
}

func TestEngine_StartPositionWithoutCursor(t *testing.T) {
	e, err := New(testConfig(1), Dependencies{Reader: newMemLog(), Cursors: newMemProps(), Registry: NewRegistry()})
	require.NoError(t, err)
	now := time.Now()
	e.now = func() time.Time { return now }

	pos, resumed, err := e.StartPosition(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, int64(0), pos.Sequence)
	assert.True(t, pos.Time.Equal(now.Add(-time.Hour)))
}

func TestEngine_RunFailsWhenCursorUnreadable(t *testing.T) {
	props := newMemProps()
	props.getErr = errors.New("db down")
	e, err := New(testConfig(1), Dependencies{Reader: newMemLog(), Cursors: props, Registry: NewRegistry()})
	require.NoError(t, err)

	err = e.Run(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestEngine_LaneFailureLeavesOtherLanesRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := newMemLog()
	var applied applyLog
	r := NewRegistry()
	Register(r, "item", func(_ context.Context, p seqPayload) error {
		if p.Seq == 1 {
			return errors.New("poison")
		}
		applied.add(p.Seq)
		return nil
	})
	for i := int64(1); i <= 6; i++ {
		log.add("item", seqPayload{Seq: i})
	}

	e, err := New(testConfig(2), Dependencies{Reader: log, Cursors: newMemProps(), Registry: r, Logger: zerolog.Nop()})
	require.NoError(t, err)
	run := start(t, e)

	// Entry 1 is on lane 1, which dies; lane 0 applies 2, 4 and 6.
	require.Eventually(t, func() bool { return len(applied.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []int64{2, 4, 6}, applied.snapshot())

	require.Eventually(t, func() bool {
		states := e.LaneStates()
		return states[0].Running && !states[1].Running
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, e.LaneStates()[1].Error, "poison")

	run.stop(t)
}

func TestEngine_ResumeIgnoresCreationTimeOfCursor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	log := newMemLog()
	props := newMemProps()
	var applied applyLog
	r := NewRegistry()
	Register(r, "item", func(_ context.Context, p seqPayload) error {
		applied.add(p.Seq)
		return nil
	})

	first := log.addAt("item", seqPayload{Seq: 1}, log.base.Add(10*time.Millisecond))
	log.addAt("item", seqPayload{Seq: 2}, log.base.Add(5*time.Millisecond))
	require.NoError(t, props.SetProperty(context.Background(), "web", "EQStampEffective_node-a", first.Position.String()))

	e, err := New(testConfig(1), Dependencies{Reader: log, Cursors: props, Registry: r, Logger: zerolog.Nop()})
	require.NoError(t, err)
	run := start(t, e)
	require.Eventually(t, func() bool { return applied.contains(2) }, 2*time.Second, 5*time.Millisecond)
	run.stop(t)

	assert.Equal(t, []int64{2}, applied.snapshot())
}
