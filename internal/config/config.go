package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Queue       QueueConfig    `yaml:"queue"`
	Database    DatabaseConfig `yaml:"database"`
	Logging     LoggingConfig  `yaml:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Tracing     TracingConfig  `yaml:"tracing"`
	Jobs        JobsConfig     `yaml:"jobs"`
	Environment string         `yaml:"environment"`
}

// QueueConfig is the configuration surface of the event queue engine.
type QueueConfig struct {
	Partition             string        `yaml:"partition" validate:"required"`
	InstanceName          string        `yaml:"instance_name" validate:"required"`
	LaneCount             int           `yaml:"lane_count" validate:"min=1,max=64"`
	BatchSize             int           `yaml:"batch_size" validate:"min=1"`
	IdleSleep             time.Duration `yaml:"idle_sleep" validate:"gt=0"`
	BarrierPollInterval   time.Duration `yaml:"barrier_poll_interval" validate:"gt=0"`
	BarrierSync           bool          `yaml:"barrier_sync"`
	BarrierStallLogEvery  time.Duration `yaml:"barrier_stall_log_interval" validate:"gt=0"`
	LogInterval           time.Duration `yaml:"log_interval" validate:"gt=0"`
	PersistInterval       time.Duration `yaml:"persist_interval" validate:"gt=0"`
	CursorMaxAge          time.Duration `yaml:"cursor_max_age" validate:"gt=0"`
	HistoryEnabled        bool          `yaml:"history_enabled"`
	HistoryDetailsEnabled bool          `yaml:"history_details_enabled"`
	SecurityScope         bool          `yaml:"security_scope"`
	SkipMalformed         bool          `yaml:"skip_malformed"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url" validate:"required"`
	MaxConnections int    `yaml:"max_connections" validate:"min=1"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=stdout otlp none"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

type JobsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	HistoryRetention  time.Duration `yaml:"history_retention" validate:"gt=0"`
	EventLogRetention time.Duration `yaml:"event_log_retention" validate:"gt=0"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
}

// Defaults returns the configuration used when neither a file nor the
// environment sets a value. Queue defaults mirror the production settings
// the engine has historically run with.
func Defaults() Config {
	return Config{
		Queue: QueueConfig{
			Partition:             "web",
			InstanceName:          defaultInstanceName(),
			LaneCount:             4,
			BatchSize:             1000,
			IdleSleep:             time.Second,
			BarrierPollInterval:   time.Second,
			BarrierSync:           true,
			BarrierStallLogEvery:  30 * time.Second,
			LogInterval:           5 * time.Minute,
			PersistInterval:       time.Minute,
			CursorMaxAge:          12 * time.Hour,
			HistoryEnabled:        true,
			HistoryDetailsEnabled: true,
		},
		Database: DatabaseConfig{
			MaxConnections: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "eventlanes",
			SampleRate:  1.0,
		},
		Jobs: JobsConfig{
			HistoryRetention:  30 * 24 * time.Hour,
			EventLogRetention: 7 * 24 * time.Hour,
			CleanupInterval:   24 * time.Hour,
		},
		Environment: "development",
	}
}

// Load builds the configuration from defaults and environment variables.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile builds the configuration from defaults, then the YAML file at path
// (if non-empty), then environment variables.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	q := &cfg.Queue
	q.Partition = getEnv("EVENTQUEUE_PARTITION", q.Partition)
	q.InstanceName = getEnv("EVENTQUEUE_INSTANCE_NAME", q.InstanceName)
	q.LaneCount = getEnvInt("EVENTQUEUE_LANE_COUNT", q.LaneCount)
	q.BatchSize = getEnvInt("EVENTQUEUE_BATCH_SIZE", q.BatchSize)
	q.IdleSleep = getEnvDuration("EVENTQUEUE_IDLE_SLEEP", q.IdleSleep)
	q.BarrierPollInterval = getEnvDuration("EVENTQUEUE_BARRIER_POLL_INTERVAL", q.BarrierPollInterval)
	q.BarrierSync = getEnvBool("EVENTQUEUE_BARRIER_SYNC", q.BarrierSync)
	q.BarrierStallLogEvery = getEnvDuration("EVENTQUEUE_BARRIER_STALL_LOG_INTERVAL", q.BarrierStallLogEvery)
	q.LogInterval = getEnvDuration("EVENTQUEUE_LOG_INTERVAL", q.LogInterval)
	q.PersistInterval = getEnvDuration("EVENTQUEUE_PERSIST_INTERVAL", q.PersistInterval)
	q.CursorMaxAge = getEnvDuration("EVENTQUEUE_CURSOR_MAX_AGE", q.CursorMaxAge)
	q.HistoryEnabled = getEnvBool("EVENTQUEUE_HISTORY_ENABLED", q.HistoryEnabled)
	q.HistoryDetailsEnabled = getEnvBool("EVENTQUEUE_HISTORY_DETAILS_ENABLED", q.HistoryDetailsEnabled)
	q.SecurityScope = getEnvBool("EVENTQUEUE_SECURITY_SCOPE", q.SecurityScope)
	q.SkipMalformed = getEnvBool("EVENTQUEUE_SKIP_MALFORMED", q.SkipMalformed)

	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConnections = getEnvInt("DATABASE_MAX_CONNECTIONS", cfg.Database.MaxConnections)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	if value, ok := os.LookupEnv("METRICS_ADDR"); ok {
		cfg.Metrics.Addr = value
	}

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Exporter = getEnv("TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.ServiceName = getEnv("TRACING_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.OTLPEndpoint = getEnv("TRACING_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.SampleRate = getEnvFloat("TRACING_SAMPLE_RATE", cfg.Tracing.SampleRate)

	cfg.Jobs.Enabled = getEnvBool("JOBS_ENABLED", cfg.Jobs.Enabled)
	cfg.Jobs.HistoryRetention = getEnvDuration("HISTORY_RETENTION", cfg.Jobs.HistoryRetention)
	cfg.Jobs.EventLogRetention = getEnvDuration("EVENT_LOG_RETENTION", cfg.Jobs.EventLogRetention)
	cfg.Jobs.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", cfg.Jobs.CleanupInterval)

	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
}

var validate = validator.New()

// Validate checks field constraints and returns the first violation in a
// readable form.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultInstanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	id, err := ulid.New(ulid.Now(), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "eventlanes"
	}
	return "eventlanes-" + strings.ToLower(id.String())
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("250ms", "5m") and bare integers
// as milliseconds, matching how the legacy settings were expressed.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
