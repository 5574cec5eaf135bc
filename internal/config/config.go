// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Scoring      ScoringConfig      `mapstructure:"scoring" yaml:"scoring"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Observer     ObserverConfig     `mapstructure:"observer" yaml:"observer"`
	Executor     ExecutorConfig     `mapstructure:"executor" yaml:"executor"`
	Notify       NotifyConfig       `mapstructure:"notify" yaml:"notify"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ScoringConfig points at the optional remote scoring service.
type ScoringConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// OrchestratorConfig tunes the background processing loop.
type OrchestratorConfig struct {
	MaxConcurrent int64         `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	StepDelay     time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// ObserverConfig bounds the snapshot and scoring queries.
type ObserverConfig struct {
	PoolRadiusKm    float64       `mapstructure:"pool_radius_km" yaml:"pool_radius_km"`
	ScoringRadiusKm float64       `mapstructure:"scoring_radius_km" yaml:"scoring_radius_km"`
	MaxCandidates   int           `mapstructure:"max_candidates" yaml:"max_candidates"`
	Cooldown        time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// ExecutorConfig tunes the Act phase.
type ExecutorConfig struct {
	ReserveHold time.Duration `mapstructure:"reserve_hold" yaml:"reserve_hold"`
}

// NotifyConfig rate-limits outbound notification dispatch.
type NotifyConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// ServerConfig configures the admin-facing HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SetDefaults initializes default values for all configuration
// parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "matchflow")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Scoring --
	v.SetDefault("scoring.enabled", true)
	v.SetDefault("scoring.base_url", "http://localhost:5001")
	v.SetDefault("scoring.timeout", "5s")

	// -- Orchestrator --
	v.SetDefault("orchestrator.max_concurrent", 32)
	v.SetDefault("orchestrator.step_delay", "1s")
	v.SetDefault("orchestrator.sweep_interval", "1m")

	// -- Observer --
	v.SetDefault("observer.pool_radius_km", 25.0)
	v.SetDefault("observer.scoring_radius_km", 50.0)
	v.SetDefault("observer.max_candidates", 50)
	v.SetDefault("observer.cooldown", "2160h") // 90 days

	// -- Executor --
	v.SetDefault("executor.reserve_hold", "2h")

	// -- Notify --
	v.SetDefault("notify.rate_per_second", 25.0)
	v.SetDefault("notify.burst", 50)

	// -- Server --
	v.SetDefault("server.addr", ":8085")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// NewDefaultConfig creates a configuration populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with static defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration from a viper
// instance that has already read its sources.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("database.url", "MATCHFLOW_DATABASE_URL")
	v.BindEnv("scoring.base_url", "MATCHFLOW_SCORING_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DefaultConfigDir returns the user-level fallback directory searched
// for config.yaml.
func DefaultConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".matchflow"), nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent must be a positive integer")
	}
	if c.Orchestrator.StepDelay < 0 {
		return fmt.Errorf("orchestrator.step_delay must not be negative")
	}
	if c.Scoring.Enabled && c.Scoring.Timeout <= 0 {
		return fmt.Errorf("scoring.timeout must be a positive duration")
	}
	if c.Observer.MaxCandidates <= 0 {
		return fmt.Errorf("observer.max_candidates must be a positive integer")
	}
	if c.Observer.PoolRadiusKm <= 0 || c.Observer.ScoringRadiusKm <= 0 {
		return fmt.Errorf("observer radii must be positive")
	}
	if c.Executor.ReserveHold <= 0 {
		return fmt.Errorf("executor.reserve_hold must be a positive duration")
	}
	if c.Notify.RatePerSecond <= 0 {
		return fmt.Errorf("notify.rate_per_second must be positive")
	}
	return nil
}
