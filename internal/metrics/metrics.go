package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all eventlanes metrics
const namespace = "eventlanes"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo is a gauge that exposes application version information as labels
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date", "instance"},
)

// Dispatcher metrics
var (
	// EntriesRead counts entries fetched from the event log
	EntriesRead = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_read_total",
			Help:      "Total number of entries fetched from the event log",
		},
		[]string{"partition"},
	)

	// EntriesDropped counts entries the dispatcher marked taken without assigning
	EntriesDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_dropped_total",
			Help:      "Total number of entries dropped by the dispatcher",
		},
		[]string{"partition", "reason"}, // reason: unknown_type
	)

	// ReadSeconds accumulates time spent reading and assigning
	ReadSeconds = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_seconds_total",
			Help:      "Time spent by the dispatcher in seconds",
		},
		[]string{"partition", "phase"}, // phase: total|fetch
	)

	// PendingEntries is the last observed number of entries not yet fetched
	PendingEntries = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_entries",
			Help:      "Entries in the event log after the dispatcher position",
		},
		[]string{"partition"},
	)

	// LogAccessErrors counts failed reads and mark-taken writes
	LogAccessErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_access_errors_total",
			Help:      "Total number of event log access failures",
		},
		[]string{"partition", "operation"}, // operation: fetch|mark_taken
	)
)

// Lane metrics
var (
	// EntriesApplied counts entries handled by each lane
	EntriesApplied = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_applied_total",
			Help:      "Total number of entries applied",
		},
		[]string{"partition", "lane"},
	)

	// EntriesSkipped counts malformed entries skipped by a lane
	EntriesSkipped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_skipped_total",
			Help:      "Total number of malformed entries skipped",
		},
		[]string{"partition", "lane"},
	)

	// BarriersApplied counts barrier entries applied by each lane
	BarriersApplied = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barriers_applied_total",
			Help:      "Total number of barrier entries applied",
		},
		[]string{"partition", "lane"},
	)

	// LaneSeconds accumulates lane time by phase
	LaneSeconds = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_seconds_total",
			Help:      "Time spent by lanes in seconds",
		},
		[]string{"partition", "lane", "phase"}, // phase: total|deserialize|process|barrier_wait
	)

	// LaneQueueDepth is the number of assignments waiting in a lane
	LaneQueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lane_queue_depth",
			Help:      "Assignments waiting in a lane queue",
		},
		[]string{"partition", "lane"},
	)

	// LaneUp is 1 while a lane is running and 0 once it has stopped
	LaneUp = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lane_up",
			Help:      "Whether a lane is running (1) or stopped (0)",
		},
		[]string{"partition", "lane"},
	)

	// LaneFailures counts lanes that terminated on an error
	LaneFailures = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_failures_total",
			Help:      "Total number of lanes terminated by an error",
		},
		[]string{"partition", "lane"},
	)

	// BarrierWaiting is 1 while a lane is held at a barrier
	BarrierWaiting = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "barrier_waiting",
			Help:      "Whether a lane is currently held at a barrier",
		},
		[]string{"partition", "lane"},
	)

	// EffectiveCursor is the sequence of the last persisted effective cursor
	EffectiveCursor = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "effective_cursor_sequence",
			Help:      "Sequence of the last persisted effective cursor",
		},
		[]string{"partition"},
	)
)

// Retention metrics
var (
	// RowsDeleted tracks rows removed by retention jobs
	RowsDeleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_rows_deleted_total",
			Help:      "Total number of rows deleted by retention jobs",
		},
		[]string{"table"},
	)

	// CleanupDuration tracks the duration of retention job runs
	CleanupDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retention_cleanup_duration_seconds",
			Help:      "Duration of retention job execution in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"table"},
	)

	// CleanupErrors tracks retention job failures
	CleanupErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_cleanup_errors_total",
			Help:      "Total number of retention job failures",
		},
		[]string{"table"},
	)
)

// Init registers runtime collectors and sets version information
func Init(version, commit, buildDate, instance string) {
	// Register default Go metrics (memory, goroutines, GC, etc.)
	Registry.MustRegister(collectors.NewGoCollector())

	// Register process metrics (CPU, memory, file descriptors)
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	AppInfo.WithLabelValues(version, commit, buildDate, instance).Set(1)
}
