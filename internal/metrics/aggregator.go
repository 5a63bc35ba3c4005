package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/eventlanes/internal/audit"
)

// Counters accumulates one lane's work between flushes. It is owned by the
// lane goroutine and is not safe for concurrent use.
type Counters struct {
	Count        int64
	BarrierCount int64
	Skipped      int64
	Total        time.Duration
	Deserialize  time.Duration
	Process      time.Duration
	BarrierWait  time.Duration
}

func (c *Counters) Reset() { *c = Counters{} }

// ReadCounters accumulates the dispatcher's work between flushes.
type ReadCounters struct {
	Count   int64
	Dropped int64
	Total   time.Duration
	Fetch   time.Duration
}

func (c *ReadCounters) Reset() { *c = ReadCounters{} }

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	Logger zerolog.Logger
	// History receives one statistics entry per counter when HistoryEnabled.
	History        audit.Recorder
	HistoryEnabled bool
	Instance       string
}

// Aggregator turns flushed counters into health log lines, Prometheus
// samples and optional history entries.
type Aggregator struct {
	logger         zerolog.Logger
	history        audit.Recorder
	historyEnabled bool
	instance       string
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	history := cfg.History
	if history == nil {
		history = audit.Nop{}
	}
	return &Aggregator{
		logger:         cfg.Logger.With().Str("component", "health").Logger(),
		history:        history,
		historyEnabled: cfg.HistoryEnabled,
		instance:       cfg.Instance,
	}
}

type sample struct {
	name  string
	value int64
}

// FlushLane emits and resets c. Nothing is emitted for an interval with no
// activity.
func (a *Aggregator) FlushLane(ctx context.Context, partition string, lane int, c *Counters) {
	defer c.Reset()
	if c.Count == 0 && c.Skipped == 0 && c.BarrierCount == 0 {
		return
	}

	laneLabel := strconv.Itoa(lane)
	EntriesApplied.WithLabelValues(partition, laneLabel).Add(float64(c.Count))
	EntriesSkipped.WithLabelValues(partition, laneLabel).Add(float64(c.Skipped))
	BarriersApplied.WithLabelValues(partition, laneLabel).Add(float64(c.BarrierCount))
	LaneSeconds.WithLabelValues(partition, laneLabel, "total").Add(c.Total.Seconds())
	LaneSeconds.WithLabelValues(partition, laneLabel, "deserialize").Add(c.Deserialize.Seconds())
	LaneSeconds.WithLabelValues(partition, laneLabel, "process").Add(c.Process.Seconds())
	LaneSeconds.WithLabelValues(partition, laneLabel, "barrier_wait").Add(c.BarrierWait.Seconds())

	samples := []sample{
		{"Count", c.Count},
		{"Skipped", c.Skipped},
		{"BarrierCount", c.BarrierCount},
		{"Time.Total", c.Total.Milliseconds()},
		{"Time.Deserialize", c.Deserialize.Milliseconds()},
		{"Time.Process", c.Process.Milliseconds()},
		{"Time.BarrierWait", c.BarrierWait.Milliseconds()},
	}
	if c.Count > 0 {
		samples = append(samples,
			sample{"Time.Avg.Total", c.Total.Milliseconds() / c.Count},
			sample{"Time.Avg.Deserialize", c.Deserialize.Milliseconds() / c.Count},
			sample{"Time.Avg.Process", c.Process.Milliseconds() / c.Count},
		)
	}
	a.emit(ctx, fmt.Sprintf("ProcessEQ[%s#%d]", partition, lane), partition, lane, samples)
}

// FlushReader emits and resets c. pending is reported when known is true.
func (a *Aggregator) FlushReader(ctx context.Context, partition string, c *ReadCounters, pending int64, known bool) {
	defer c.Reset()

	if known {
		PendingEntries.WithLabelValues(partition).Set(float64(pending))
	}
	if c.Count == 0 && !known {
		return
	}

	EntriesRead.WithLabelValues(partition).Add(float64(c.Count))
	ReadSeconds.WithLabelValues(partition, "total").Add(c.Total.Seconds())
	ReadSeconds.WithLabelValues(partition, "fetch").Add(c.Fetch.Seconds())

	samples := []sample{
		{"Count", c.Count},
		{"Dropped", c.Dropped},
		{"Time.Total", c.Total.Milliseconds()},
		{"Time.Fetch", c.Fetch.Milliseconds()},
	}
	if c.Count > 0 {
		samples = append(samples, sample{"Time.Avg.Total", c.Total.Milliseconds() / c.Count})
	}
	if known {
		samples = append(samples, sample{"EventQueue.Size", pending})
	}
	a.emit(ctx, fmt.Sprintf("ReadEQ[%s]", partition), partition, -1, samples)
}

func (a *Aggregator) emit(ctx context.Context, scope, partition string, lane int, samples []sample) {
	for _, s := range samples {
		name := "Health." + scope + "." + s.name
		ev := a.logger.Info().Str("partition", partition).Str("counter", s.name).Int64("value", s.value)
		if lane >= 0 {
			ev = ev.Int("lane", lane)
		}
		ev.Msg(name)

		if !a.historyEnabled {
			continue
		}
		err := a.history.Emit(ctx, audit.Entry{
			Category:  audit.CategoryStatistics,
			Action:    name,
			Partition: partition,
			Lane:      lane,
			Detail:    strconv.FormatInt(s.value, 10),
			Instance:  a.instance,
		})
		if err != nil {
			a.logger.Warn().Err(err).Str("counter", name).Msg("failed to record statistics history")
		}
	}
}
