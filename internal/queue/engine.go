package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Togather-Foundation/eventlanes/internal/audit"
	"github.com/Togather-Foundation/eventlanes/internal/metrics"
)

// TracerName is the instrumentation name of engine spans.
const TracerName = "github.com/Togather-Foundation/eventlanes/internal/queue"

func defaultTracer() trace.Tracer { return otel.Tracer(TracerName) }

// shutdownFlushTimeout bounds the final cursor write after Run is cancelled.
const shutdownFlushTimeout = 10 * time.Second

// Config holds engine settings for one partition.
type Config struct {
	Partition       string
	Instance        string
	LaneCount       int
	BatchSize       int
	IdleSleep       time.Duration
	BarrierSync     bool
	BarrierPoll     time.Duration
	BarrierStallLog time.Duration
	LogInterval     time.Duration
	PersistInterval time.Duration
	CursorMaxAge    time.Duration
	HistoryEnabled  bool
	HistoryDetails  bool
	SecurityScope   bool
	SkipMalformed   bool
}

// Dependencies are the external collaborators of an Engine.
type Dependencies struct {
	Reader   LogReader
	Cursors  CursorBackend
	Registry *Registry
	// History receives per-event and statistics entries. Optional.
	History audit.Recorder
	// Scope overrides the per-batch scope. When nil, SecurityScope selects
	// SuppressChecksScope or NopScope.
	Scope  Scope
	Logger zerolog.Logger
	Tracer trace.Tracer
}

// Engine wires a dispatcher, its lanes and the effective cursor for one
// partition.
type Engine struct {
	cfg        Config
	reader     LogReader
	store      *CursorStore
	tracker    *Tracker
	cursor     *EffectiveCursor
	dispatcher *Dispatcher
	lanes      []*Lane
	logger     zerolog.Logger
	now        func() time.Time
}

func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Reader == nil {
		return nil, errors.New("queue: log reader is required")
	}
	if deps.Cursors == nil {
		return nil, errors.New("queue: cursor backend is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("queue: registry is required")
	}
	if cfg.LaneCount < 1 {
		return nil, fmt.Errorf("queue: lane count must be at least 1, got %d", cfg.LaneCount)
	}
	if cfg.Partition == "" {
		return nil, errors.New("queue: partition is required")
	}

	scope := deps.Scope
	if scope == nil {
		scope = NopScope{}
		if cfg.SecurityScope {
			scope = SuppressChecksScope{}
		}
	}
	history := deps.History
	if history == nil {
		history = audit.Nop{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = defaultTracer()
	}

	logger := deps.Logger
	tracker := NewTracker(cfg.LaneCount)
	store := NewCursorStore(deps.Cursors, cfg.Instance, cfg.CursorMaxAge)
	cursor := NewEffectiveCursor(store, tracker, cfg.Partition, cfg.PersistInterval, logger)
	barrier := NewBarrierCoordinator(tracker, BarrierConfig{
		Enabled:       cfg.BarrierSync,
		PollInterval:  cfg.BarrierPoll,
		StallLogEvery: cfg.BarrierStallLog,
		Partition:     cfg.Partition,
	}, logger)
	aggregator := metrics.NewAggregator(metrics.AggregatorConfig{
		Logger:         logger,
		History:        history,
		HistoryEnabled: cfg.HistoryEnabled,
		Instance:       cfg.Instance,
	})

	lanes := make([]*Lane, cfg.LaneCount)
	enqueuers := make([]Enqueuer, cfg.LaneCount)
	for i := range lanes {
		lanes[i] = NewLane(i, LaneConfig{
			Partition:      cfg.Partition,
			Instance:       cfg.Instance,
			BatchSize:      cfg.BatchSize,
			IdleSleep:      cfg.IdleSleep,
			LogInterval:    cfg.LogInterval,
			HistoryDetails: cfg.HistoryEnabled && cfg.HistoryDetails,
			SkipMalformed:  cfg.SkipMalformed,
		}, LaneDeps{
			Tracker:    tracker,
			Barrier:    barrier,
			Cursor:     cursor,
			Aggregator: aggregator,
			History:    history,
			Scope:      scope,
			Logger:     logger,
			Tracer:     tracer,
		})
		enqueuers[i] = lanes[i]
	}

	dispatcher := NewDispatcher(DispatcherConfig{
		Partition:   cfg.Partition,
		BatchSize:   cfg.BatchSize,
		IdleSleep:   cfg.IdleSleep,
		LogInterval: cfg.LogInterval,
	}, deps.Reader, deps.Registry, enqueuers, tracker, aggregator, logger, tracer)

	return &Engine{
		cfg:        cfg,
		reader:     deps.Reader,
		store:      store,
		tracker:    tracker,
		cursor:     cursor,
		dispatcher: dispatcher,
		lanes:      lanes,
		logger:     logger.With().Str("component", "engine").Str("partition", cfg.Partition).Logger(),
		now:        time.Now,
	}, nil
}

// StartPosition returns where the dispatcher resumes: the stored effective
// cursor, or now minus the maximum cursor age when none is stored.
func (e *Engine) StartPosition(ctx context.Context) (Position, bool, error) {
	pos, ok, err := e.store.Retrieve(ctx, e.cfg.Partition)
	if err != nil {
		return Position{}, false, err
	}
	if !ok {
		return Position{Time: e.now().Add(-e.cfg.CursorMaxAge).UTC()}, false, nil
	}
	return pos, true, nil
}

// readFrom turns a start position into the dispatcher's first read position.
// The stored time belongs to one applied entry, and creation times do not
// follow sequence order, so only the max age bound is kept as the floor.
func (e *Engine) readFrom(start Position) Position {
	floor := e.now().Add(-e.cfg.CursorMaxAge).UTC()
	if start.Time.Before(floor) {
		floor = start.Time
	}
	return Position{Sequence: start.Sequence, Time: floor}
}

// Run starts the dispatcher and every lane and blocks until ctx is done. A
// lane that fails is logged at fatal level and left stopped; the remaining
// lanes keep running. On return the effective cursor is flushed once more.
func (e *Engine) Run(ctx context.Context) error {
	start, resumed, err := e.StartPosition(ctx)
	if err != nil {
		return fmt.Errorf("resolve start position: %w", err)
	}
	e.dispatcher.SetPosition(e.readFrom(start))
	if resumed {
		e.cursor.Seed(start)
	}

	e.logger.Info().
		Str("instance", e.cfg.Instance).
		Int("lanes", len(e.lanes)).
		Bool("resumed", resumed).
		Int64("from", start.Sequence).
		Time("from_time", start.Time).
		Msg("engine starting")

	var g errgroup.Group
	g.Go(func() error { return e.dispatcher.Run(ctx) })
	for _, lane := range e.lanes {
		g.Go(func() error {
			if err := lane.Run(ctx); err != nil {
				metrics.LaneFailures.WithLabelValues(e.cfg.Partition, strconv.Itoa(lane.Index())).Inc()
				e.logger.WithLevel(zerolog.FatalLevel).
					Err(err).
					Int("lane", lane.Index()).
					Msg("lane terminated")
			}
			return nil
		})
	}
	runErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()
	if _, err := e.cursor.Flush(flushCtx); err != nil {
		e.logger.Warn().Err(err).Msg("failed to flush effective cursor on shutdown")
	}

	e.logger.Info().Int64("position", e.dispatcher.Position().Sequence).Msg("engine stopped")
	return runErr
}

// LaneStates reports the health of every lane.
func (e *Engine) LaneStates() []metrics.LaneState {
	states := make([]metrics.LaneState, len(e.lanes))
	for i, l := range e.lanes {
		running, err := l.State()
		states[i] = metrics.LaneState{Lane: i, Running: running, Queued: l.Queued()}
		if err != nil {
			states[i].Error = err.Error()
		}
	}
	return states
}

// Tracker exposes per-lane progress.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Cursor exposes the effective cursor.
func (e *Engine) Cursor() *EffectiveCursor { return e.cursor }
