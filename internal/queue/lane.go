package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Togather-Foundation/eventlanes/internal/audit"
	"github.com/Togather-Foundation/eventlanes/internal/metrics"
)

// LaneConfig configures a Lane.
type LaneConfig struct {
	Partition      string
	Instance       string
	BatchSize      int
	IdleSleep      time.Duration
	LogInterval    time.Duration
	HistoryDetails bool
	// SkipMalformed logs and skips payloads that fail to decode instead of
	// stopping the lane.
	SkipMalformed bool
}

// LaneDeps are the collaborators a Lane shares with its peers.
type LaneDeps struct {
	Tracker    *Tracker
	Barrier    *BarrierCoordinator
	Cursor     *EffectiveCursor
	Aggregator *metrics.Aggregator
	History    audit.Recorder
	Scope      Scope
	Logger     zerolog.Logger
	Tracer     trace.Tracer
}

// Lane applies its assigned entries in order on a single goroutine.
type Lane struct {
	index int
	cfg   LaneConfig
	deps  LaneDeps
	queue laneQueue

	logger zerolog.Logger
	now    func() time.Time

	counters metrics.Counters
	nextLog  time.Time

	mu      sync.Mutex
	running bool
	err     error
}

func NewLane(index int, cfg LaneConfig, deps LaneDeps) *Lane {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	if deps.Scope == nil {
		deps.Scope = NopScope{}
	}
	if deps.History == nil {
		deps.History = audit.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = defaultTracer()
	}
	l := &Lane{
		index:  index,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "lane").Str("partition", cfg.Partition).Int("lane", index).Logger(),
		now:    time.Now,
	}
	l.nextLog = l.now().Add(cfg.LogInterval)
	return l
}

// Index returns the lane number.
func (l *Lane) Index() int { return l.index }

// Enqueue appends a to the lane's queue. It never blocks.
func (l *Lane) Enqueue(a Assignment) { l.queue.Push(a) }

// Queued returns the number of assignments not yet drained.
func (l *Lane) Queued() int { return l.queue.Len() }

// State reports whether the lane is running and, if it stopped on an error,
// which one.
func (l *Lane) State() (running bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running, l.err
}

func (l *Lane) setState(running bool, err error) {
	l.mu.Lock()
	l.running = running
	l.err = err
	l.mu.Unlock()

	up := 0.0
	if running {
		up = 1
	}
	metrics.LaneUp.WithLabelValues(l.cfg.Partition, strconv.Itoa(l.index)).Set(up)
}

// Run drains the queue until ctx is done or an entry fails. A failure is
// returned as a *LaneError; cancellation returns nil.
func (l *Lane) Run(ctx context.Context) error {
	l.setState(true, nil)
	l.logger.Debug().Msg("lane started")

	for {
		if ctx.Err() != nil {
			l.flush(context.WithoutCancel(ctx))
			l.setState(false, nil)
			return nil
		}

		n, err := l.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				l.flush(context.WithoutCancel(ctx))
				l.setState(false, nil)
				return nil
			}
			l.flush(context.WithoutCancel(ctx))
			l.setState(false, fmt.Errorf("%w: %w", ErrLaneStopped, err))
			return err
		}

		if l.now().After(l.nextLog) {
			l.flush(ctx)
		}

		if n == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(l.cfg.IdleSleep):
			}
		}
	}
}

// Drain applies one batch of up to BatchSize assignments inside the lane's
// scope. It returns how many were applied. Handler panics are recovered and
// returned as errors.
func (l *Lane) Drain(ctx context.Context) (n int, err error) {
	batch := l.queue.PopBatch(l.cfg.BatchSize)
	if len(batch) == 0 {
		return 0, nil
	}

	start := l.now()
	scoped, release := l.deps.Scope.Enter(ctx)
	var current Position
	defer func() {
		if r := recover(); r != nil {
			err = l.laneError(current, fmt.Errorf("%w: panic: %v", ErrHandler, r))
		}
		release()
		l.counters.Total += l.now().Sub(start)
	}()

	for _, a := range batch {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		current = a.Entry.Position
		if err := l.apply(scoped, a); err != nil {
			return n, err
		}
		n++
	}

	if l.deps.Cursor != nil {
		if _, err := l.deps.Cursor.MaybePersist(ctx); err != nil {
			l.logger.Warn().Err(err).Msg("failed to persist effective cursor")
		}
	}
	return n, nil
}

func (l *Lane) apply(ctx context.Context, a Assignment) error {
	e := a.Entry
	b := a.Binding

	ctx, span := l.deps.Tracer.Start(ctx, "lane.apply",
		trace.WithAttributes(
			attribute.String("partition", l.cfg.Partition),
			attribute.Int("lane", l.index),
			attribute.String("payload_type", e.PayloadType),
			attribute.Int64("position", e.Position.Sequence),
		))
	defer span.End()

	if b.Barrier && l.deps.Barrier != nil {
		l.counters.BarrierCount++
		waitStart := l.now()
		err := l.deps.Barrier.AwaitClearance(ctx, l.index, e.Position)
		l.counters.BarrierWait += l.now().Sub(waitStart)
		if err != nil {
			return err
		}
	}

	decodeStart := l.now()
	value, err := b.Decode(e.Payload)
	l.counters.Deserialize += l.now().Sub(decodeStart)
	if err != nil {
		span.RecordError(err)
		if l.cfg.SkipMalformed {
			l.counters.Skipped++
			l.logger.Error().
				Err(err).
				Str("payload_type", e.PayloadType).
				Int64("position", e.Position.Sequence).
				Msg("skipping malformed entry")
			l.deps.Tracker.MarkApplied(l.index, Mark{Position: e.Position, Barrier: b.Barrier})
			return nil
		}
		span.SetStatus(codes.Error, "decode failed")
		return l.laneError(e.Position, err)
	}

	processStart := l.now()
	err = b.Handle(ctx, value)
	l.counters.Process += l.now().Sub(processStart)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return l.laneError(e.Position, err)
	}

	l.deps.Tracker.MarkApplied(l.index, Mark{Position: e.Position, Barrier: b.Barrier})
	l.counters.Count++

	if l.cfg.HistoryDetails {
		l.recordHistory(ctx, e, value)
	}
	return nil
}

func (l *Lane) recordHistory(ctx context.Context, e Entry, value any) {
	entityID, language, version := audit.SubjectOf(value)
	err := l.deps.History.Emit(ctx, audit.Entry{
		Category:  audit.CategoryEvent,
		Action:    e.PayloadType,
		EntityID:  entityID,
		Language:  language,
		Version:   version,
		Partition: l.cfg.Partition,
		Lane:      l.index,
		Detail:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Instance:  l.cfg.Instance,
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("payload_type", e.PayloadType).Msg("failed to record event history")
	}
}

func (l *Lane) flush(ctx context.Context) {
	l.nextLog = l.now().Add(l.cfg.LogInterval)
	metrics.LaneQueueDepth.WithLabelValues(l.cfg.Partition, strconv.Itoa(l.index)).Set(float64(l.queue.Len()))
	if l.deps.Aggregator != nil {
		l.deps.Aggregator.FlushLane(ctx, l.cfg.Partition, l.index, &l.counters)
	} else {
		l.counters.Reset()
	}
}

func (l *Lane) laneError(pos Position, err error) error {
	return &LaneError{Partition: l.cfg.Partition, Lane: l.index, Position: pos, Err: err}
}
