// Package config loads runbox configuration from file, environment, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type SandboxConfig struct {
	MemoryMB          int64   `mapstructure:"memory_mb"`
	CPUPercent        float64 `mapstructure:"cpu_percent"`
	PidsLimit         int64   `mapstructure:"pids_limit"`
	TimeoutSec        int     `mapstructure:"timeout_sec"`
	InstallTimeoutSec int     `mapstructure:"install_timeout_sec"`
	MaxConcurrent     int64   `mapstructure:"max_concurrent"`
}

type RegistryConfig struct {
	// OverridesPath points at an optional YAML file adjusting images per
	// language.
	OverridesPath string `mapstructure:"overrides_path"`
}

type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Load reads runbox.yaml from the working directory or $HOME/.runbox,
// applying defaults and RUNBOX_-prefixed environment overrides. A missing
// config file is fine; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("runbox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.runbox")

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpu_percent", 0.5)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.install_timeout_sec", 60)
	v.SetDefault("sandbox.max_concurrent", 16)
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

func (c *Config) validate() error {
	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got %d", c.Sandbox.MemoryMB)
	}
	if c.Sandbox.CPUPercent <= 0 || c.Sandbox.CPUPercent > 1.0 {
		return fmt.Errorf("sandbox.cpu_percent must be in (0, 1], got %g", c.Sandbox.CPUPercent)
	}
	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got %d", c.Sandbox.TimeoutSec)
	}
	return nil
}

// Timeout returns the wall-clock execution ceiling.
func (c SandboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// InstallTimeout returns the wall-clock ceiling for package installs.
func (c SandboxConfig) InstallTimeout() time.Duration {
	return time.Duration(c.InstallTimeoutSec) * time.Second
}

// MemoryBytes returns the memory ceiling in bytes.
func (c SandboxConfig) MemoryBytes() int64 {
	return c.MemoryMB << 20
}

// CPUQuota converts the CPU fraction to Docker quota microseconds against
// the standard 100ms period.
func (c SandboxConfig) CPUQuota() int64 {
	return int64(c.CPUPercent * 100000)
}

// CPUPeriod is the scheduler period the quota applies to.
func (c SandboxConfig) CPUPeriod() int64 {
	return 100000
}
