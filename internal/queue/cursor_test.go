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
)

func TestCursorStore_RetrieveMissing(t *testing.T) {
	store := NewCursorStore(newMemProps(), "node-a", time.Hour)

	_, ok, err := store.Retrieve(context.Background(), "web")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorStore_PersistAndRetrieve(t *testing.T) {
	props := newMemProps()
	store := NewCursorStore(props, "node-a", time.Hour)
	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	pos := Position{Sequence: 12, Time: now.Add(-time.Minute)}
	require.NoError(t, store.Persist(context.Background(), "web", pos))
	assert.Equal(t, pos.String(), props.get("web", "EQStampEffective_node-a"))

	got, ok, err := store.Retrieve(context.Background(), "web")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12), got.Sequence)
	assert.True(t, pos.Time.Equal(got.Time))
}

func TestCursorStore_RetrieveClampsStaleTime(t *testing.T) {
	props := newMemProps()
	store := NewCursorStore(props, "node-a", time.Hour)
	now := time.Now().UTC()
	store.now = func() time.Time { return now }

	stale := Position{Sequence: 3, Time: now.Add(-48 * time.Hour)}
	require.NoError(t, store.Persist(context.Background(), "web", stale))

	got, ok, err := store.Retrieve(context.Background(), "web")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Sequence, "sequence is preserved")
	assert.True(t, got.Time.Equal(now.Add(-time.Hour)), "time is clamped to max age")
}

func TestCursorStore_Errors(t *testing.T) {
	props := newMemProps()
	store := NewCursorStore(props, "node-a", time.Hour)

	props.values["web/EQStampEffective_node-a"] = "garbage"
	_, _, err := store.Retrieve(context.Background(), "web")
	assert.Error(t, err)

	props.getErr = errors.New("db down")
	_, _, err = store.Retrieve(context.Background(), "web")
	assert.ErrorContains(t, err, "db down")
}

func TestCursorStore_Reset(t *testing.T) {
	props := newMemProps()
	store := NewCursorStore(props, "node-a", time.Hour)
	require.NoError(t, store.Persist(context.Background(), "web", Position{Sequence: 1, Time: time.Now()}))

	require.NoError(t, store.Reset(context.Background(), "web"))

	_, ok, err := store.Retrieve(context.Background(), "web")
	require.NoError(t, err)
	assert.False(t, ok)
}

func newTestCursor(props *memProps, tr *Tracker, interval time.Duration) (*EffectiveCursor, *time.Time) {
	store := NewCursorStore(props, "node-a", 24*time.Hour)
	c := NewEffectiveCursor(store, tr, "web", interval, zerolog.Nop())
	clock := time.Now()
	c.now = func() time.Time { return clock }
	c.lastSaved = clock
	return c, &clock
}

func TestEffectiveCursor_RespectsInterval(t *testing.T) {
	props := newMemProps()
	tr := NewTracker(2)
	c, clock := newTestCursor(props, tr, time.Minute)

	tr.MarkAssigned(0)
	applied(tr, 0, 4, false)

	wrote, err := c.MaybePersist(context.Background())
	require.NoError(t, err)
	assert.False(t, wrote, "interval has not elapsed")

	*clock = clock.Add(2 * time.Minute)
	wrote, err = c.MaybePersist(context.Background())
	require.NoError(t, err)
	assert.True(t, wrote)

	pos, err := ParsePosition(props.get("web", "EQStampEffective_node-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos.Sequence)
}

func TestEffectiveCursor_PersistsMinimumAndNeverRegresses(t *testing.T) {
	props := newMemProps()
	tr := NewTracker(3)
	c, _ := newTestCursor(props, tr, time.Minute)

	for lane, seq := range []int64{9, 7, 8} {
		tr.MarkAssigned(lane)
		applied(tr, lane, seq, false)
	}

	wrote, err := c.Flush(context.Background())
	require.NoError(t, err)
	require.True(t, wrote)
	last, _ := c.Last()
	assert.Equal(t, int64(7), last.Sequence)

	// Unchanged value is not rewritten.
	writes := props.writeCount()
	wrote, err = c.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, writes, props.writeCount())

	// A lower low-water mark is never written.
	c.Seed(Position{Sequence: 20})
	wrote, err = c.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, wrote)
	pos, err := ParsePosition(props.get("web", "EQStampEffective_node-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos.Sequence)
}

func TestEffectiveCursor_SuppressedUntilEveryAssignedLaneApplies(t *testing.T) {
	props := newMemProps()
	tr := NewTracker(2)
	c, _ := newTestCursor(props, tr, 0)

	tr.MarkAssigned(0)
	applied(tr, 0, 3, false)
	tr.MarkAssigned(1)

	wrote, err := c.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Equal(t, 0, props.writeCount())
}

func TestEffectiveCursor_BackendError(t *testing.T) {
	props := newMemProps()
	props.setErr = errors.New("db down")
	tr := NewTracker(1)
	c, _ := newTestCursor(props, tr, 0)

	tr.MarkAssigned(0)
	applied(tr, 0, 3, false)

	_, err := c.Flush(context.Background())
	assert.ErrorContains(t, err, "db down")
	_, ok := c.Last()
	assert.False(t, ok)
}

func TestEffectiveCursor_ConcurrentCallersSkip(t *testing.T) {
	props := newMemProps()
	tr := NewTracker(1)
	c, clock := newTestCursor(props, tr, time.Minute)
	*clock = clock.Add(time.Hour)

	tr.MarkAssigned(0)
	applied(tr, 0, 3, false)

	c.mu.Lock()
	wrote, err := c.MaybePersist(context.Background())
	c.mu.Unlock()
	require.NoError(t, err)
	assert.False(t, wrote, "a caller finding the lock held returns immediately")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.MaybePersist(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, props.writeCount())
}
