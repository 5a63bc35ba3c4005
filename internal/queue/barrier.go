package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Togather-Foundation/eventlanes/internal/metrics"
)

// BarrierConfig controls how lanes wait at barrier entries.
type BarrierConfig struct {
	// Enabled turns on synchronization. When false barrier entries are
	// applied like any other entry.
	Enabled      bool
	PollInterval time.Duration
	// StallLogEvery bounds how often a long wait is logged per lane.
	StallLogEvery time.Duration
	Partition     string
}

// BarrierCoordinator decides when a lane holding a barrier may apply it.
type BarrierCoordinator struct {
	tracker *Tracker
	cfg     BarrierConfig
	stalls  []*rate.Sometimes
	logger  zerolog.Logger
}

func NewBarrierCoordinator(tracker *Tracker, cfg BarrierConfig, logger zerolog.Logger) *BarrierCoordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StallLogEvery <= 0 {
		cfg.StallLogEvery = 30 * time.Second
	}
	stalls := make([]*rate.Sometimes, tracker.Len())
	for i := range stalls {
		stalls[i] = &rate.Sometimes{Interval: cfg.StallLogEvery}
	}
	return &BarrierCoordinator{
		tracker: tracker,
		cfg:     cfg,
		stalls:  stalls,
		logger:  logger.With().Str("component", "barrier").Str("partition", cfg.Partition).Logger(),
	}
}

// AwaitClearance blocks lane until the barrier at pos is cleared or ctx is
// done. With synchronization disabled, or a single lane, it returns at once.
func (b *BarrierCoordinator) AwaitClearance(ctx context.Context, lane int, pos Position) error {
	if !b.cfg.Enabled || b.tracker.Len() <= 1 {
		return nil
	}

	b.tracker.MarkWaiting(lane, pos)
	defer b.tracker.ClearWaiting(lane)

	laneLabel := strconv.Itoa(lane)
	waiting := metrics.BarrierWaiting.WithLabelValues(b.cfg.Partition, laneLabel)
	waiting.Inc()
	defer waiting.Dec()

	start := time.Now()
	for {
		blocker, cleared := b.scan(lane, pos)
		if cleared {
			if waited := time.Since(start); waited >= b.cfg.StallLogEvery {
				b.logger.Info().
					Int("lane", lane).
					Int64("position", pos.Sequence).
					Dur("waited", waited).
					Msg("barrier cleared after stall")
			}
			return nil
		}

		if waited := time.Since(start); waited >= b.cfg.StallLogEvery {
			b.stalls[lane].Do(func() {
				b.logger.Warn().
					Int("lane", lane).
					Int("blocked_by", blocker).
					Int64("position", pos.Sequence).
					Dur("waited", waited).
					Msg("barrier stalled waiting for peer lane")
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

// Cleared reports whether the barrier at pos held by lane may proceed now.
func (b *BarrierCoordinator) Cleared(lane int, pos Position) bool {
	_, ok := b.scan(lane, pos)
	return ok
}

// scan walks outward from lane in both directions. A peer is caught up when
// its last applied entry is at or after pos, or when it is itself held at a
// barrier at or after pos. A peer whose applied entry is a barrier at or
// after pos vouches for every lane beyond it in that direction, since that
// barrier could only have been applied once those lanes had caught up.
// It returns the first lane found behind.
func (b *BarrierCoordinator) scan(lane int, pos Position) (int, bool) {
	for j := lane - 1; j >= 0; j-- {
		caughtUp, vouches := b.peer(j, pos)
		if !caughtUp {
			return j, false
		}
		if vouches {
			break
		}
	}
	for j := lane + 1; j < b.tracker.Len(); j++ {
		caughtUp, vouches := b.peer(j, pos)
		if !caughtUp {
			return j, false
		}
		if vouches {
			break
		}
	}
	return -1, true
}

func (b *BarrierCoordinator) peer(j int, pos Position) (caughtUp, vouches bool) {
	if m, ok := b.tracker.LastApplied(j); ok && !m.Position.Before(pos) {
		return true, m.Barrier
	}
	if w, ok := b.tracker.Waiting(j); ok && !w.Before(pos) {
		return true, false
	}
	return false, false
}
