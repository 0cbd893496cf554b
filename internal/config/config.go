// Package config provides configuration types and defaults for foreman.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/drewrad8/foreman/internal/tracing"
)

// APIConfig holds HTTP surface configuration.
type APIConfig struct {
	// Addr is the listen address, e.g. "localhost:7788".
	Addr string `mapstructure:"addr"`
	// Key enables Bearer-token auth when non-empty.
	Key string `mapstructure:"key"`
	// CORSOrigin is the single allowed origin. Empty disables cross-origin
	// requests entirely (restrictive default).
	CORSOrigin string `mapstructure:"cors_origin"`
}

// LimitsConfig holds admission and buffer limits.
type LimitsConfig struct {
	// MaxRunning caps simultaneously running workers.
	MaxRunning int `mapstructure:"max_running"`
	// RingSize is the per-worker output ring capacity in bytes.
	RingSize int `mapstructure:"ring_size"`
}

// HealthConfig holds health monitor tuning.
type HealthConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold"`
	HealthyThreshold   int           `mapstructure:"healthy_threshold"`
}

// SweepConfig holds periodic sweep tuning.
type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Retention is how long terminal worker records are kept before reaping.
	Retention time.Duration `mapstructure:"retention"`
}

// Config holds all configuration options for foreman.
type Config struct {
	// ProjectsDir is the base directory containing project working directories.
	ProjectsDir string `mapstructure:"projects_dir"`
	// StateDir holds the registry snapshot and the history database.
	StateDir string `mapstructure:"state_dir"`
	// Command is the subprocess started in each worker session.
	Command string `mapstructure:"command"`

	API     APIConfig      `mapstructure:"api"`
	Limits  LimitsConfig   `mapstructure:"limits"`
	Health  HealthConfig   `mapstructure:"health"`
	Sweep   SweepConfig    `mapstructure:"sweep"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ProjectsDir: filepath.Join(home, "projects"),
		StateDir:    filepath.Join(home, ".foreman"),
		Command:     "claude",
		API: APIConfig{
			Addr:       "localhost:7788",
			CORSOrigin: "",
		},
		Limits: LimitsConfig{
			MaxRunning: 12,
			RingSize:   256 * 1024,
		},
		Health: HealthConfig{
			Interval:           30 * time.Second,
			UnhealthyThreshold: 3,
			HealthyThreshold:   2,
		},
		Sweep: SweepConfig{
			Interval:  5 * time.Minute,
			Retention: 24 * time.Hour,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "foreman", "config.yaml")
}

// Load reads configuration from the given file (optional), environment
// variables prefixed FOREMAN_, and defaults, in decreasing precedence of
// file > env > default.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix("FOREMAN")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigFile(DefaultPath())
	}
	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults apply.
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("projects_dir", d.ProjectsDir)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("command", d.Command)
	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.key", d.API.Key)
	v.SetDefault("api.cors_origin", d.API.CORSOrigin)
	v.SetDefault("limits.max_running", d.Limits.MaxRunning)
	v.SetDefault("limits.ring_size", d.Limits.RingSize)
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.unhealthy_threshold", d.Health.UnhealthyThreshold)
	v.SetDefault("health.healthy_threshold", d.Health.HealthyThreshold)
	v.SetDefault("sweep.interval", d.Sweep.Interval)
	v.SetDefault("sweep.retention", d.Sweep.Retention)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.ProjectsDir == "" {
		return fmt.Errorf("projects_dir is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Limits.MaxRunning < 1 {
		return fmt.Errorf("limits.max_running must be at least 1, got %d", c.Limits.MaxRunning)
	}
	if c.Limits.RingSize < 1024 {
		return fmt.Errorf("limits.ring_size must be at least 1024 bytes, got %d", c.Limits.RingSize)
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Health.UnhealthyThreshold < 1 || c.Health.HealthyThreshold < 1 {
		return fmt.Errorf("health thresholds must be at least 1")
	}
	if c.Sweep.Interval <= 0 || c.Sweep.Retention <= 0 {
		return fmt.Errorf("sweep.interval and sweep.retention must be positive")
	}
	return nil
}
