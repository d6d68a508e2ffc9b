// Package config loads runtime configuration from file and environment.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/pipeline-runtime/internal/pareto"
	"github.com/sells-group/pipeline-runtime/internal/resilience"
	"github.com/sells-group/pipeline-runtime/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig              `yaml:"store" mapstructure:"store"`
	Runtime   RuntimeConfig            `yaml:"runtime" mapstructure:"runtime"`
	Cache     CacheConfig              `yaml:"cache" mapstructure:"cache"`
	Breaker   resilience.BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
	Retry     resilience.RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Bundle    BundleConfig             `yaml:"bundle" mapstructure:"bundle"`
	Retrieval RetrievalConfig          `yaml:"retrieval" mapstructure:"retrieval"`
	SLO       pareto.Constraints       `yaml:"slo" mapstructure:"slo"`
	Server    ServerConfig             `yaml:"server" mapstructure:"server"`
	Log       LogConfig                `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run store backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	Path        string            `yaml:"path" mapstructure:"path"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// RuntimeConfig configures the scheduler.
type RuntimeConfig struct {
	Mode            string             `yaml:"mode" mapstructure:"mode"`
	Concurrency     int                `yaml:"concurrency" mapstructure:"concurrency"`
	DependencyRates map[string]float64 `yaml:"dependency_rates" mapstructure:"dependency_rates"`
}

// CacheConfig configures the two-tier stage cache.
type CacheConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	L1Capacity int    `yaml:"l1_capacity" mapstructure:"l1_capacity"`
}

// BundleConfig configures artifact bundle output.
type BundleConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// RetrievalConfig points at the strategy seed file.
type RetrievalConfig struct {
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`
}

// ServerConfig configures the HTTP status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "pipeline.db")
	v.SetDefault("runtime.mode", "parallel")
	v.SetDefault("runtime.concurrency", 4)
	v.SetDefault("cache.path", "cache.db")
	v.SetDefault("cache.l1_capacity", 256)
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.window", "1m")
	v.SetDefault("breaker.initial_backoff", "5s")
	v.SetDefault("breaker.backoff_factor", 2.0)
	v.SetDefault("breaker.max_backoff", "2m")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", "500ms")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("bundle.dir", "bundles")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
