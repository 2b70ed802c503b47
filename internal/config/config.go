// Package config loads engine settings from an optional YAML file and
// LEARNER_* environment variables. Environment wins over the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/orchestrator"
	"github.com/scottgal/lucidrag-sub005/internal/signals"
	"github.com/scottgal/lucidrag-sub005/internal/vectors"
)

// EnvPrefix is prepended to every environment key: store.dsn reads LEARNER_STORE_DSN.
const EnvPrefix = "LEARNER"

// #region types

// Config is the full settings tree.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Novelty   NoveltyConfig   `mapstructure:"novelty"`
	Signals   []signals.Rule  `mapstructure:"signals"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
}

// StoreConfig selects the backend.
type StoreConfig struct {
	Type  string      `mapstructure:"type"` // memory | sqlite | postgres
	Path  string      `mapstructure:"path"` // sqlite file
	DSN   string      `mapstructure:"dsn"`  // postgres connection string
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig moves the effectiveness weights to Redis when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// EngineConfig tunes learning, feedback retries and batch throughput.
type EngineConfig struct {
	DecayRate          float64       `mapstructure:"decay_rate"`
	RetireThreshold    float64       `mapstructure:"retire_threshold"`
	MaxConflictRetries int           `mapstructure:"max_conflict_retries"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	FeedbackRetries    int           `mapstructure:"feedback_retries"`
	FeedbackBaseDelay  time.Duration `mapstructure:"feedback_base_delay"`
	Workers            int           `mapstructure:"workers"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	Burst              int           `mapstructure:"burst"`
}

// NoveltyConfig weights the NoveltyVsPrior terms.
type NoveltyConfig struct {
	DivergenceWeight float64  `mapstructure:"divergence_weight"`
	ConfidenceWeight float64  `mapstructure:"confidence_weight"`
	CaptionKeys      []string `mapstructure:"caption_keys"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
}

// TelemetryConfig enables OTLP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Insecure    bool   `mapstructure:"insecure"`
}

// ServerConfig is read by learnerd only.
type ServerConfig struct {
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	RepairInterval  time.Duration `mapstructure:"repair_interval"` // 0 disables the repair loop
}

// #endregion types

// #region load

func setDefaults(v *viper.Viper) {
	ec := effectiveness.DefaultConfig()
	fc := orchestrator.DefaultConfig()
	nc := vectors.DefaultConfig()
	bc := engine.DefaultConfig()

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "lucidlearn.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis.addr", "")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "lucidlearn:")

	v.SetDefault("engine.decay_rate", ec.DecayRate)
	v.SetDefault("engine.retire_threshold", ec.RetireThreshold)
	v.SetDefault("engine.max_conflict_retries", ec.MaxConflictRetries)
	v.SetDefault("engine.retry_base_delay", ec.RetryBaseDelay)
	v.SetDefault("engine.feedback_retries", fc.MaxRetries)
	v.SetDefault("engine.feedback_base_delay", fc.BaseDelay)
	v.SetDefault("engine.workers", bc.Workers)
	v.SetDefault("engine.rate_limit", bc.RateLimit)
	v.SetDefault("engine.burst", bc.Burst)

	v.SetDefault("novelty.divergence_weight", nc.DivergenceWeight)
	v.SetDefault("novelty.confidence_weight", nc.ConfidenceWeight)
	v.SetDefault("novelty.caption_keys", nc.CaptionKeys)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "lucidlearn")
	v.SetDefault("telemetry.insecure", false)

	v.SetDefault("server.grpc_addr", ":7070")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.health_interval", 5*time.Second)
	v.SetDefault("server.repair_interval", time.Minute)
}

// Load reads path (skipped when empty) over the defaults, applies LEARNER_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every setting that is out of range.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not memory, sqlite or postgres", c.Store.Type))
	}
	if c.Engine.DecayRate <= 0 || c.Engine.DecayRate > 1 {
		errs = append(errs, fmt.Errorf("engine.decay_rate %g must be in (0,1]", c.Engine.DecayRate))
	}
	if c.Engine.RetireThreshold < 0 || c.Engine.RetireThreshold >= 2 {
		errs = append(errs, fmt.Errorf("engine.retire_threshold %g must be in [0,2)", c.Engine.RetireThreshold))
	}
	if c.Engine.MaxConflictRetries < 0 || c.Engine.FeedbackRetries < 0 {
		errs = append(errs, errors.New("engine retry counts must not be negative"))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers %d must be at least 1", c.Engine.Workers))
	}
	if c.Engine.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("engine.rate_limit %g must not be negative", c.Engine.RateLimit))
	}
	if c.Server.HealthInterval <= 0 || c.Server.RepairInterval < 0 {
		errs = append(errs, errors.New("server.health_interval must be positive and server.repair_interval not negative"))
	}
	if c.Novelty.DivergenceWeight < 0 || c.Novelty.ConfidenceWeight < 0 {
		errs = append(errs, errors.New("novelty weights must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not debug, info, warn or error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// #endregion load

// #region derive

// EngineConfig assembles the engine settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Vectors: vectors.Config{
			DivergenceWeight: c.Novelty.DivergenceWeight,
			ConfidenceWeight: c.Novelty.ConfidenceWeight,
			CaptionKeys:      c.Novelty.CaptionKeys,
		},
		Tracker: effectiveness.Config{
			DecayRate:          c.Engine.DecayRate,
			RetireThreshold:    c.Engine.RetireThreshold,
			MaxConflictRetries: c.Engine.MaxConflictRetries,
			RetryBaseDelay:     c.Engine.RetryBaseDelay,
		},
		Feedback: orchestrator.Config{
			MaxRetries: c.Engine.FeedbackRetries,
			BaseDelay:  c.Engine.FeedbackBaseDelay,
		},
		Workers:   c.Engine.Workers,
		RateLimit: c.Engine.RateLimit,
		Burst:     c.Engine.Burst,
	}
}

// Registry returns the default normalization registry with the configured
// rules layered on top.
func (c *Config) Registry() (*signals.Registry, error) {
	r := signals.Default()
	if err := r.Apply(c.Signals); err != nil {
		return nil, fmt.Errorf("config: signals: %w", err)
	}
	return r, nil
}

// #endregion derive
