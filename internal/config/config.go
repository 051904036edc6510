package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Scheduler  SchedulerConfig
	Reconciler ReconcilerConfig
	Webhook    WebhookConfig
	Log        LogConfig
	Telemetry  TelemetryConfig

	CatalogFile string `env:"CATALOG_FILE"`
}

type ServerConfig struct {
	Address         string        `env:"SERVER_ADDRESS" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig selects the job store. An empty PostgresURL runs the
// scheduler on the in-memory store.
type DatabaseConfig struct {
	PostgresURL string `env:"POSTGRES_URL"`
}

type RedisConfig struct {
	Enabled  bool
	Address  string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	TTL      time.Duration `env:"REDIS_TTL" envDefault:"72h"`
}

type SchedulerConfig struct {
	Interval       time.Duration `env:"SCHED_INTERVAL" envDefault:"30s"`
	BatchSize      int           `env:"SCHED_BATCH_SIZE" envDefault:"20"`
	Workers        int           `env:"DISPATCH_WORKERS" envDefault:"4"`
	CallTimeout    time.Duration `env:"DISPATCH_CALL_TIMEOUT" envDefault:"30s"`
	SendsPerSecond float64       `env:"DISPATCH_SENDS_PER_SECOND" envDefault:"0"`
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`
}

type ReconcilerConfig struct {
	Schedule         string        `env:"RECONCILE_SCHEDULE" envDefault:"*/5 * * * *"`
	DispatchTimeout  time.Duration `env:"RECONCILE_DISPATCH_TIMEOUT" envDefault:"15m"`
	SuspendThreshold float64       `env:"RECONCILE_SUSPEND_THRESHOLD" envDefault:"0.5"`
	ResumeThreshold  float64       `env:"RECONCILE_RESUME_THRESHOLD" envDefault:"0.2"`
	MinSample        int           `env:"RECONCILE_MIN_SAMPLE" envDefault:"10"`
	AckSLA           time.Duration `env:"RECONCILE_ACK_SLA" envDefault:"336h"`
}

type WebhookConfig struct {
	URL        string        `env:"WEBHOOK_URL,required"`
	Token      string        `env:"WEBHOOK_TOKEN"`
	Timeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	ContentMax int           `env:"CONTENT_MAX" envDefault:"300"`
}

type LogConfig struct {
	Format string `env:"LOG_FORMAT" envDefault:"json"`
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"outreach-scheduler"`
}

func LoadAll() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Redis.Enabled = cfg.Redis.Address != ""

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("SCHED_BATCH_SIZE must be > 0"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL must be > 0"))
	}
	if cfg.Scheduler.Workers <= 0 {
		errs = append(errs, errors.New("DISPATCH_WORKERS must be > 0"))
	}
	if cfg.Scheduler.CallTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_CALL_TIMEOUT must be > 0"))
	}
	if cfg.Scheduler.SendsPerSecond < 0 {
		errs = append(errs, errors.New("DISPATCH_SENDS_PER_SECOND must be >= 0"))
	}
	if cfg.Scheduler.MaxRetries <= 0 {
		errs = append(errs, errors.New("MAX_RETRIES must be > 0"))
	}
	if cfg.Webhook.ContentMax <= 0 {
		errs = append(errs, errors.New("CONTENT_MAX must be > 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL must be > 0"))
	}

	rc := cfg.Reconciler
	if _, err := cron.ParseStandard(rc.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("RECONCILE_SCHEDULE %q: %w", rc.Schedule, err))
	}
	// A dispatcher tick is bounded by its interval and a channel call by
	// the call timeout; a claim younger than both may still be sending.
	if inFlight := cfg.Scheduler.Interval + cfg.Scheduler.CallTimeout; rc.DispatchTimeout <= 0 || rc.DispatchTimeout <= inFlight {
		errs = append(errs, fmt.Errorf("RECONCILE_DISPATCH_TIMEOUT %s must exceed SCHED_INTERVAL + DISPATCH_CALL_TIMEOUT (%s)", rc.DispatchTimeout, inFlight))
	}
	if rc.SuspendThreshold <= 0 || rc.SuspendThreshold > 1 {
		errs = append(errs, errors.New("RECONCILE_SUSPEND_THRESHOLD must be in (0, 1]"))
	}
	if rc.ResumeThreshold <= 0 || rc.ResumeThreshold >= rc.SuspendThreshold {
		errs = append(errs, errors.New("RECONCILE_RESUME_THRESHOLD must be > 0 and below the suspend threshold"))
	}

	switch cfg.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or text", cfg.Log.Format))
	}

	return errors.Join(errs...)
}
