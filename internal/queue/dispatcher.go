package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Togather-Foundation/eventlanes/internal/metrics"
)

// Enqueuer accepts assignments for a lane.
type Enqueuer interface {
	Enqueue(a Assignment)
}

// laneStatus is implemented by enqueuers that can report their health.
type laneStatus interface {
	State() (running bool, err error)
	Queued() int
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Partition   string
	BatchSize   int
	IdleSleep   time.Duration
	LogInterval time.Duration
}

// Dispatcher is the single reader of the event log. It assigns every entry it
// reads to exactly one lane and marks it taken.
type Dispatcher struct {
	cfg        DispatcherConfig
	reader     LogReader
	registry   *Registry
	lanes      []Enqueuer
	tracker    *Tracker
	aggregator *metrics.Aggregator
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	position Position
	floor    time.Time
	counter  uint64
	counters metrics.ReadCounters
	nextLog  time.Time
}

func NewDispatcher(cfg DispatcherConfig, reader LogReader, registry *Registry, lanes []Enqueuer, tracker *Tracker, aggregator *metrics.Aggregator, logger zerolog.Logger, tracer trace.Tracer) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	if tracer == nil {
		tracer = defaultTracer()
	}
	d := &Dispatcher{
		cfg:        cfg,
		reader:     reader,
		registry:   registry,
		lanes:      lanes,
		tracker:    tracker,
		aggregator: aggregator,
		logger:     logger.With().Str("component", "dispatcher").Str("partition", cfg.Partition).Logger(),
		tracer:     tracer,
		now:        time.Now,
	}
	d.nextLog = d.now().Add(cfg.LogInterval)
	return d
}

// SetPosition sets where the next fetch starts. It must be called before Run.
// pos.Time becomes the creation time floor for every later fetch; read
// positions only advance the sequence, since creation times are not
// monotonic with it.
func (d *Dispatcher) SetPosition(pos Position) {
	d.position = pos
	d.floor = pos.Time
}

// Position returns the position of the last entry read.
func (d *Dispatcher) Position() Position { return d.position }

// Run reads until ctx is done. Log access failures are logged and retried
// after the idle sleep.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Int("lanes", len(d.lanes)).
		Int64("from", d.position.Sequence).
		Time("from_time", d.position.Time).
		Msg("dispatcher started")
	defer d.logger.Info().Int64("position", d.position.Sequence).Msg("dispatcher stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := d.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn().Err(err).Msg("failed to read event log")
		}

		d.maybeFlush(ctx)

		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.IdleSleep):
			}
		}
	}
}

// Step performs one fetch and assigns what it read. It returns the number of
// entries read, including dropped ones.
func (d *Dispatcher) Step(ctx context.Context) (int, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.step",
		trace.WithAttributes(
			attribute.String("partition", d.cfg.Partition),
			attribute.Int64("position", d.position.Sequence),
		))
	defer span.End()

	start := d.now()
	after := Position{Sequence: d.position.Sequence, Time: d.floor}
	entries, err := d.reader.FetchSince(ctx, after, d.cfg.BatchSize)
	d.counters.Fetch += d.now().Sub(start)
	if err != nil {
		metrics.LogAccessErrors.WithLabelValues(d.cfg.Partition, "fetch").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		d.counters.Total += d.now().Sub(start)
		return 0, fmt.Errorf("%w: fetch: %w", ErrLogAccess, err)
	}

	for _, e := range entries {
		d.dispatch(ctx, e)
		d.position = e.Position
	}

	d.counters.Count += int64(len(entries))
	d.counters.Total += d.now().Sub(start)
	span.SetAttributes(attribute.Int("entries", len(entries)))
	return len(entries), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, e Entry) {
	binding, ok := d.registry.Resolve(e.PayloadType)
	if !ok {
		d.counters.Dropped++
		metrics.EntriesDropped.WithLabelValues(d.cfg.Partition, "unknown_type").Inc()
		d.logger.Warn().
			Err(ErrUnknownPayloadType).
			Str("payload_type", e.PayloadType).
			Str("source", e.SourceInstance).
			Int64("position", e.Position.Sequence).
			Msg("ignoring entry with unknown payload type")
		d.markTaken(ctx, e)
		return
	}

	lane := d.nextLane()
	d.tracker.MarkAssigned(lane)
	d.lanes[lane].Enqueue(Assignment{Entry: e, Binding: binding})
	d.markTaken(ctx, e)
}

// nextLane pre-increments the round-robin counter, so the k-th assigned
// entry goes to lane k mod n.
func (d *Dispatcher) nextLane() int {
	if len(d.lanes) == 1 {
		return 0
	}
	d.counter++
	return int(d.counter % uint64(len(d.lanes)))
}

func (d *Dispatcher) markTaken(ctx context.Context, e Entry) {
	if err := d.reader.MarkTaken(ctx, e); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		metrics.LogAccessErrors.WithLabelValues(d.cfg.Partition, "mark_taken").Inc()
		d.logger.Warn().
			Err(fmt.Errorf("%w: mark taken: %w", ErrLogAccess, err)).
			Int64("position", e.Position.Sequence).
			Msg("failed to mark entry taken")
	}
}

func (d *Dispatcher) maybeFlush(ctx context.Context) {
	if d.now().Before(d.nextLog) {
		return
	}
	d.nextLog = d.now().Add(d.cfg.LogInterval)

	d.warnStoppedLanes()
	if d.aggregator == nil {
		return
	}

	var (
		pending int64
		known   bool
	)
	if pc, ok := d.reader.(PendingCounter); ok {
		n, err := pc.PendingCount(ctx, d.position)
		if err != nil {
			d.logger.Debug().Err(err).Msg("failed to count pending entries")
		} else {
			pending, known = n, true
		}
	}
	d.aggregator.FlushReader(ctx, d.cfg.Partition, &d.counters, pending, known)
}

// warnStoppedLanes reports lanes that died while the dispatcher keeps
// assigning to them. Their queues grow until the process is restarted.
func (d *Dispatcher) warnStoppedLanes() {
	for i, l := range d.lanes {
		ls, ok := l.(laneStatus)
		if !ok {
			continue
		}
		running, err := ls.State()
		if running || err == nil {
			continue
		}
		queued := ls.Queued()
		metrics.LaneQueueDepth.WithLabelValues(d.cfg.Partition, strconv.Itoa(i)).Set(float64(queued))
		d.logger.Warn().
			Err(err).
			Int("lane", i).
			Int("queued", queued).
			Msg("lane stopped; entries assigned to it are accumulating")
	}
}
