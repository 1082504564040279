package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/courtline/statpipe/internal/aggregator"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig              `yaml:"store" mapstructure:"store"`
	Server       ServerConfig             `yaml:"server" mapstructure:"server"`
	Log          LogConfig                `yaml:"log" mapstructure:"log"`
	Stages       []aggregator.StageConfig `yaml:"stages" mapstructure:"stages"`
	Processors   []ProcessorConfig        `yaml:"processors" mapstructure:"processors"`
	Ledger       LedgerConfig             `yaml:"ledger" mapstructure:"ledger"`
	Breaker      BreakerConfig            `yaml:"breaker" mapstructure:"breaker"`
	Dependencies []DependencyConfig       `yaml:"dependencies" mapstructure:"dependencies"`
	Fallback     FallbackConfig           `yaml:"fallback" mapstructure:"fallback"`
	Detect       DetectConfig             `yaml:"detect" mapstructure:"detect"`
	Sweep        SweepConfig              `yaml:"sweep" mapstructure:"sweep"`
	Events       EventsConfig             `yaml:"events" mapstructure:"events"`
	Alerting     AlertingConfig           `yaml:"alerting" mapstructure:"alerting"`
	Backfill     bool                     `yaml:"backfill" mapstructure:"backfill"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Path is the SQLite file when driver is sqlite.
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the event ingestion server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LedgerConfig configures the run history ledger.
type LedgerConfig struct {
	// FreshnessHours is how long a running attempt blocks duplicates.
	FreshnessHours int `yaml:"freshness_hours" mapstructure:"freshness_hours"`
}

// Freshness returns the dedup freshness threshold as a duration.
func (c LedgerConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessHours) * time.Hour
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	OpenThreshold int `yaml:"open_threshold" mapstructure:"open_threshold"`
	CooldownDays  int `yaml:"cooldown_days" mapstructure:"cooldown_days"`
}

// Cooldown returns the breaker cooldown as a duration.
func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownDays) * 24 * time.Hour
}

// ProcessorConfig declares one runnable processor: the stage it reports
// into and the HTTP endpoint that performs the actual work for a scope.
type ProcessorConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Stage    string `yaml:"stage" mapstructure:"stage"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	// TimeoutSeconds bounds one scope's processing; zero means 300.
	TimeoutSeconds int `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// Timeout returns the per-scope processing bound as a duration.
func (c ProcessorConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DependencyConfig declares one upstream relationship the dependency
// guard enforces before a processor runs.
type DependencyConfig struct {
	Processor string `yaml:"processor" mapstructure:"processor"`
	Upstream  string `yaml:"upstream" mapstructure:"upstream"`
	// Lookback is how many scopes backward to scan for gaps.
	Lookback int `yaml:"lookback" mapstructure:"lookback"`
}

// FallbackConfig points at the fallback chain definition file.
type FallbackConfig struct {
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`
}

// DetectConfig configures change detection.
type DetectConfig struct {
	// ComparisonFields are the entity fields fingerprinted for diffing.
	ComparisonFields []string `yaml:"comparison_fields" mapstructure:"comparison_fields"`
}

// SweepConfig configures the reconciliation sweep.
type SweepConfig struct {
	StaleAfterHours int `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency"`
	// RangeDays is how many scopes back from today a default sweep covers.
	RangeDays int `yaml:"range_days" mapstructure:"range_days"`
}

// StaleAfter returns the staleness threshold as a duration.
func (c SweepConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}

// EventsConfig configures trigger delivery.
type EventsConfig struct {
	// TriggerWebhookURL receives next-stage trigger events. Empty means
	// triggers stay on the in-process bus.
	TriggerWebhookURL string `yaml:"trigger_webhook_url" mapstructure:"trigger_webhook_url"`
}

// AlertingConfig configures operational alerts.
type AlertingConfig struct {
	WebhookURL    string `yaml:"webhook_url" mapstructure:"webhook_url"`
	DigestPerHour int    `yaml:"digest_per_hour" mapstructure:"digest_per_hour"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STATPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.path", "statpipe.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ledger.freshness_hours", 2)
	v.SetDefault("breaker.open_threshold", 3)
	v.SetDefault("breaker.cooldown_days", 7)
	v.SetDefault("fallback.config_path", "fallback.yaml")
	v.SetDefault("sweep.stale_after_hours", 6)
	v.SetDefault("sweep.concurrency", 4)
	v.SetDefault("sweep.range_days", 7)
	v.SetDefault("alerting.digest_per_hour", 6)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks configuration for a given run mode. Different commands
// need different fields, so validation is mode-specific.
func (c *Config) Validate(mode string) error {
	var errs []string

	// Common bounds for every mode.
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required with the postgres driver")
	}
	if c.Ledger.FreshnessHours < 0 {
		errs = append(errs, "ledger.freshness_hours must be >= 0")
	}
	if c.Breaker.OpenThreshold < 0 {
		errs = append(errs, "breaker.open_threshold must be >= 0")
	}
	for _, d := range c.Dependencies {
		if d.Processor == "" || d.Upstream == "" {
			errs = append(errs, "dependencies entries need both processor and upstream")
			break
		}
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if len(c.Stages) == 0 {
			errs = append(errs, "at least one stage transition is required to aggregate completions")
		}
	case "sweep":
		if c.Sweep.RangeDays <= 0 {
			errs = append(errs, "sweep.range_days must be > 0")
		}
		if c.Sweep.Concurrency <= 0 || c.Sweep.Concurrency > 64 {
			errs = append(errs, "sweep.concurrency must be between 1 and 64")
		}
	case "run":
		if len(c.Processors) == 0 {
			errs = append(errs, "at least one processor must be declared to run")
		}
		seen := make(map[string]bool, len(c.Processors))
		for _, p := range c.Processors {
			if p.Name == "" || p.Stage == "" || p.Endpoint == "" {
				errs = append(errs, "processors entries need name, stage, and endpoint")
				break
			}
			if seen[p.Name] {
				errs = append(errs, fmt.Sprintf("duplicate processor %q", p.Name))
				break
			}
			seen[p.Name] = true
		}
	case "status", "check", "migrate":
		// Store bounds above are enough.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Dependency returns the upstream relationship for a processor, if one
// is declared.
func (c *Config) Dependency(processor string) (DependencyConfig, bool) {
	for _, d := range c.Dependencies {
		if d.Processor == processor {
			return d, true
		}
	}
	return DependencyConfig{}, false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
