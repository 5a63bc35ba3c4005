package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Togather-Foundation/eventlanes/internal/audit"
	"github.com/Togather-Foundation/eventlanes/internal/config"
	"github.com/Togather-Foundation/eventlanes/internal/handlers"
	"github.com/Togather-Foundation/eventlanes/internal/jobs"
	"github.com/Togather-Foundation/eventlanes/internal/metrics"
	"github.com/Togather-Foundation/eventlanes/internal/queue"
	"github.com/Togather-Foundation/eventlanes/internal/storage/postgres"
	"github.com/Togather-Foundation/eventlanes/internal/telemetry"
)

type runOptions struct {
	migrate bool
	lanes   int
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	var ro runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event queue engine",
		Long: `Run the dispatcher and lanes for the configured partition until interrupted.

Metrics and lane health are served on METRICS_ADDR (/metrics, /healthz).
Retention jobs run in the same process when JOBS_ENABLED is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts, ro)
		},
	}

	cmd.Flags().BoolVar(&ro.migrate, "migrate", false, "apply schema migrations before starting")
	cmd.Flags().IntVar(&ro.lanes, "lanes", 0, "override the configured lane count")

	return cmd
}

func runEngine(cmd *cobra.Command, opts *globalOptions, ro runOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if ro.lanes > 0 {
		cfg.Queue.LaneCount = ro.lanes
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().
		Str("version", Version).
		Str("partition", cfg.Queue.Partition).
		Str("instance", cfg.Queue.InstanceName).
		Msg("starting eventlanes")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init(Version, GitCommit, BuildDate, cfg.Queue.InstanceName)

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version, cfg.Queue.InstanceName)
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown error")
		}
	}()

	pool, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	if ro.migrate {
		if err := migrateAll(ctx, cfg.Database.URL, pool, ""); err != nil {
			return err
		}
		logger.Info().Msg("migrations applied")
	}

	metrics.Registry.MustRegister(metrics.NewPoolCollector(metrics.PgxPoolStats(pool)))

	repo, err := postgres.NewRepository(pool, cfg.Queue.Partition, cfg.Queue.InstanceName)
	if err != nil {
		return err
	}

	registry := queue.NewRegistry()
	handlers.Register(registry, handlers.NewProjector(repo.Items()))

	history := audit.Multi{repo.History()}
	if logger.GetLevel() <= zerolog.DebugLevel {
		history = append(history, audit.NewLogger(logger))
	}

	engine, err := queue.New(engineConfig(cfg.Queue), queue.Dependencies{
		Reader:   repo.EventLog(),
		Cursors:  repo.Properties(),
		Registry: registry,
		History:  history,
		Logger:   logger,
		Tracer:   telemetry.GetTracer(queue.TracerName),
	})
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}

	if cfg.Jobs.Enabled {
		riverClient, err := newRiverClient(cfg, pool, repo)
		if err != nil {
			return fmt.Errorf("river client init failed: %w", err)
		}
		if err := riverClient.Start(ctx); err != nil {
			return fmt.Errorf("river workers failed to start: %w", err)
		}
		logger.Info().Msg("retention jobs started")
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := riverClient.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("river workers shutdown error")
			} else {
				logger.Info().Msg("river workers stopped")
			}
		}()
	}

	if cfg.Metrics.Addr != "" {
		server := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           otelhttp.NewHandler(metrics.RequestLogging(logger)(metrics.Handler(engine.LaneStates)), "metrics"),
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}
		go func() {
			logger.Info().Str("addr", server.Addr).Msg("metrics listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
		}()
	}

	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("engine stopped: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func engineConfig(q config.QueueConfig) queue.Config {
	return queue.Config{
		Partition:       q.Partition,
		Instance:        q.InstanceName,
		LaneCount:       q.LaneCount,
		BatchSize:       q.BatchSize,
		IdleSleep:       q.IdleSleep,
		BarrierSync:     q.BarrierSync,
		BarrierPoll:     q.BarrierPollInterval,
		BarrierStallLog: q.BarrierStallLogEvery,
		LogInterval:     q.LogInterval,
		PersistInterval: q.PersistInterval,
		CursorMaxAge:    q.CursorMaxAge,
		HistoryEnabled:  q.HistoryEnabled,
		HistoryDetails:  q.HistoryDetailsEnabled,
		SecurityScope:   q.SecurityScope,
		SkipMalformed:   q.SkipMalformed,
	}
}

func newRiverClient(cfg config.Config, pool *pgxpool.Pool, repo *postgres.Repository) (*river.Client[pgx.Tx], error) {
	slogger := newSlogLogger(cfg.Logging)
	workers := jobs.NewWorkers(jobs.WorkerDeps{
		History:           repo.History(),
		EventLog:          repo.EventLog(),
		HistoryRetention:  cfg.Jobs.HistoryRetention,
		EventLogRetention: cfg.Jobs.EventLogRetention,
		Logger:            slogger,
	})
	hooks := []rivertype.Hook{metrics.NewRiverMetricsHook(cfg.Queue.InstanceName)}
	return jobs.NewClient(pool, workers, slogger, hooks, jobs.NewPeriodicJobs(cfg.Jobs.CleanupInterval))
}

// newSlogLogger builds the logger River and the job workers write to.
func newSlogLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug", "trace":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error", "fatal", "panic":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "console") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
