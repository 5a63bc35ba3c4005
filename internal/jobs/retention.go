package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/Togather-Foundation/eventlanes/internal/metrics"
)

// Deleter removes rows created before a cutoff. *postgres.History and
// *postgres.EventLog implement it.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// HistoryCleanupArgs defines the job that trims the history table.
type HistoryCleanupArgs struct{}

func (HistoryCleanupArgs) Kind() string { return JobKindHistoryCleanup }

// EventLogCleanupArgs defines the job that trims the event log.
type EventLogCleanupArgs struct{}

func (EventLogCleanupArgs) Kind() string { return JobKindEventLogCleanup }

// HistoryCleanupWorker deletes history rows older than Retention.
type HistoryCleanupWorker struct {
	river.WorkerDefaults[HistoryCleanupArgs]
	History   Deleter
	Retention time.Duration
	Logger    *slog.Logger
}

func (HistoryCleanupWorker) Kind() string { return JobKindHistoryCleanup }

func (w HistoryCleanupWorker) Work(ctx context.Context, job *river.Job[HistoryCleanupArgs]) error {
	if job == nil {
		return fmt.Errorf("history cleanup job missing")
	}
	return runCleanup(ctx, cleanupRun{
		table:     "history",
		deleter:   w.History,
		retention: w.Retention,
		logger:    w.Logger,
		attempt:   job.Attempt,
	})
}

// EventLogCleanupWorker deletes event log entries older than Retention.
// Retention must comfortably exceed the cursor max age, otherwise a
// restarted instance could resume behind the oldest remaining entry.
type EventLogCleanupWorker struct {
	river.WorkerDefaults[EventLogCleanupArgs]
	EventLog  Deleter
	Retention time.Duration
	Logger    *slog.Logger
}

func (EventLogCleanupWorker) Kind() string { return JobKindEventLogCleanup }

func (w EventLogCleanupWorker) Work(ctx context.Context, job *river.Job[EventLogCleanupArgs]) error {
	if job == nil {
		return fmt.Errorf("event log cleanup job missing")
	}
	return runCleanup(ctx, cleanupRun{
		table:     "event_log",
		deleter:   w.EventLog,
		retention: w.Retention,
		logger:    w.Logger,
		attempt:   job.Attempt,
	})
}

type cleanupRun struct {
	table     string
	deleter   Deleter
	retention time.Duration
	logger    *slog.Logger
	attempt   int
	now       func() time.Time
}

func runCleanup(ctx context.Context, run cleanupRun) error {
	if run.deleter == nil {
		return fmt.Errorf("%s cleanup: store not configured", run.table)
	}
	if run.retention <= 0 {
		return fmt.Errorf("%s cleanup: retention must be positive", run.table)
	}

	logger := run.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := run.now
	if now == nil {
		now = time.Now
	}

	start := time.Now()
	cutoff := now().Add(-run.retention)

	logger.Info("starting retention cleanup",
		"table", run.table,
		"cutoff", cutoff,
		"attempt", run.attempt,
	)

	deleted, err := run.deleter.DeleteOlderThan(ctx, cutoff)
	metrics.CleanupDuration.WithLabelValues(run.table).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CleanupErrors.WithLabelValues(run.table).Inc()
		logger.Error("retention cleanup failed",
			"table", run.table,
			"error", err,
		)
		return fmt.Errorf("cleanup %s: %w", run.table, err)
	}
	metrics.RowsDeleted.WithLabelValues(run.table).Add(float64(deleted))

	logger.Info("retention cleanup completed",
		"table", run.table,
		"deleted_count", deleted,
		"duration_seconds", time.Since(start).Seconds(),
	)
	return nil
}

// WorkerDeps carries what the retention workers need.
type WorkerDeps struct {
	History           Deleter
	EventLog          Deleter
	HistoryRetention  time.Duration
	EventLogRetention time.Duration
	Logger            *slog.Logger
}

// NewWorkers registers the retention workers.
func NewWorkers(deps WorkerDeps) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker[HistoryCleanupArgs](workers, HistoryCleanupWorker{
		History:   deps.History,
		Retention: deps.HistoryRetention,
		Logger:    deps.Logger,
	})
	river.AddWorker[EventLogCleanupArgs](workers, EventLogCleanupWorker{
		EventLog:  deps.EventLog,
		Retention: deps.EventLogRetention,
		Logger:    deps.Logger,
	})
	return workers
}
