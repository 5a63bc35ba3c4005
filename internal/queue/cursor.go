package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/eventlanes/internal/metrics"
)

const (
	// EffectiveCursorPrefix names the property holding an instance's
	// effective cursor.
	EffectiveCursorPrefix = "EQStampEffective_"
	// TakenCursorPrefix names the property holding the last entry an
	// instance marked taken.
	TakenCursorPrefix = "EQStamp_"
)

// EffectiveCursorKey returns the property name for instance's effective cursor.
func EffectiveCursorKey(instance string) string { return EffectiveCursorPrefix + instance }

// TakenCursorKey returns the property name for instance's taken marker.
func TakenCursorKey(instance string) string { return TakenCursorPrefix + instance }

// CursorStore reads and writes the effective cursor for one instance.
type CursorStore struct {
	backend  CursorBackend
	instance string
	maxAge   time.Duration
	now      func() time.Time
}

func NewCursorStore(backend CursorBackend, instance string, maxAge time.Duration) *CursorStore {
	return &CursorStore{backend: backend, instance: instance, maxAge: maxAge, now: time.Now}
}

// Retrieve returns the stored cursor for partition with its time clamped to
// no earlier than now minus the maximum age. The sequence is returned as
// stored. The second result is false when nothing has been persisted.
func (s *CursorStore) Retrieve(ctx context.Context, partition string) (Position, bool, error) {
	raw, ok, err := s.backend.GetProperty(ctx, partition, EffectiveCursorKey(s.instance))
	if err != nil {
		return Position{}, false, fmt.Errorf("retrieve cursor for %s: %w", partition, err)
	}
	if !ok || raw == "" {
		return Position{}, false, nil
	}
	pos, err := ParsePosition(raw)
	if err != nil {
		return Position{}, false, fmt.Errorf("retrieve cursor for %s: %w", partition, err)
	}
	if s.maxAge > 0 {
		if floor := s.now().Add(-s.maxAge).UTC(); pos.Time.Before(floor) {
			pos.Time = floor
		}
	}
	return pos, true, nil
}

// Persist writes pos as partition's cursor.
func (s *CursorStore) Persist(ctx context.Context, partition string, pos Position) error {
	if err := s.backend.SetProperty(ctx, partition, EffectiveCursorKey(s.instance), pos.String()); err != nil {
		return fmt.Errorf("persist cursor for %s: %w", partition, err)
	}
	return nil
}

// Reset removes the stored cursor by writing an empty value.
func (s *CursorStore) Reset(ctx context.Context, partition string) error {
	if err := s.backend.SetProperty(ctx, partition, EffectiveCursorKey(s.instance), ""); err != nil {
		return fmt.Errorf("reset cursor for %s: %w", partition, err)
	}
	return nil
}

// EffectiveCursor persists the tracker's low-water mark at a bounded
// interval. Any lane may call MaybePersist; at most one persist runs at a
// time and concurrent callers return immediately.
type EffectiveCursor struct {
	store     *CursorStore
	tracker   *Tracker
	partition string
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastSaved time.Time
	last      Position
	hasLast   bool
}

func NewEffectiveCursor(store *CursorStore, tracker *Tracker, partition string, interval time.Duration, logger zerolog.Logger) *EffectiveCursor {
	c := &EffectiveCursor{
		store:     store,
		tracker:   tracker,
		partition: partition,
		interval:  interval,
		logger:    logger.With().Str("component", "cursor").Str("partition", partition).Logger(),
		now:       time.Now,
	}
	c.lastSaved = c.now()
	return c
}

// Seed sets the floor below which nothing will be persisted. It is used
// with the position the engine resumed from.
func (c *EffectiveCursor) Seed(pos Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = pos
	c.hasLast = true
}

// Last returns the most recently persisted or seeded position.
func (c *EffectiveCursor) Last() (Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// MaybePersist writes the low-water mark if the persist interval has elapsed
// since the last write. It reports whether a value was written.
func (c *EffectiveCursor) MaybePersist(ctx context.Context) (bool, error) {
	if !c.mu.TryLock() {
		return false, nil
	}
	defer c.mu.Unlock()

	if c.now().Sub(c.lastSaved) <= c.interval {
		return false, nil
	}
	return c.persistLocked(ctx)
}

// Flush writes the low-water mark regardless of the interval.
func (c *EffectiveCursor) Flush(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked(ctx)
}

func (c *EffectiveCursor) persistLocked(ctx context.Context) (bool, error) {
	c.lastSaved = c.now()

	pos, ok := c.tracker.LowWaterMark()
	if !ok {
		return false, nil
	}
	if c.hasLast && !c.last.Before(pos) {
		// Never move backwards, and skip rewriting an unchanged value.
		return false, nil
	}

	if err := c.store.Persist(ctx, c.partition, pos); err != nil {
		return false, err
	}
	c.last = pos
	c.hasLast = true

	metrics.EffectiveCursor.WithLabelValues(c.partition).Set(float64(pos.Sequence))
	c.logger.Debug().Int64("position", pos.Sequence).Time("position_time", pos.Time).Msg("effective cursor persisted")
	return true, nil
}
