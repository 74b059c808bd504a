// Package config loads finfeed settings from finfeed.yaml, an optional project overlay
// and FINFEED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/viper"

	"github.com/rshade/finfeed/internal/pagination"
	"github.com/rshade/finfeed/internal/scheduler"
)

const (
	configFileName = "finfeed"
	configFileType = "yaml"
	envPrefix      = "FINFEED"
)

// Config is the complete configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"    mapstructure:"logging"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"  mapstructure:"scheduler"`
	Pagination PaginationConfig `yaml:"pagination" mapstructure:"pagination"`
	Remote     RemoteConfig     `yaml:"remote"     mapstructure:"remote"`
	Identity   IdentityConfig   `yaml:"identity"   mapstructure:"identity"`
	Backend    BackendConfig    `yaml:"backend"    mapstructure:"backend"`
}

// LoggingConfig controls the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"  mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file"   mapstructure:"file"`
}

// SchedulerConfig controls refresh deduplication.
type SchedulerConfig struct {
	// MinInterval is a duration ("5m") or plain seconds ("300").
	MinInterval string `yaml:"min_interval" mapstructure:"min_interval"`
}

// PaginationConfig controls page loading.
type PaginationConfig struct {
	PageSize          int `yaml:"page_size"          mapstructure:"page_size"`
	PrefetchThreshold int `yaml:"prefetch_threshold" mapstructure:"prefetch_threshold"`
}

// RemoteConfig controls calls to the remote service.
type RemoteConfig struct {
	// APIVersion is a semver constraint the service version must satisfy; empty accepts any.
	APIVersion string      `yaml:"api_version" mapstructure:"api_version"`
	Retry      RetryConfig `yaml:"retry"       mapstructure:"retry"`
}

// RetryConfig bounds retries of transient fetch failures.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"     mapstructure:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"     mapstructure:"max_interval"`
}

// IdentityConfig names the signed-in user. A token takes precedence over the static fields.
type IdentityConfig struct {
	Token  string `yaml:"token"   mapstructure:"token"`
	Secret string `yaml:"secret"  mapstructure:"secret"`
	UserID string `yaml:"user_id" mapstructure:"user_id"`
	Name   string `yaml:"name"    mapstructure:"name"`
	Handle string `yaml:"handle"  mapstructure:"handle"`
}

// BackendConfig configures the embedded demo service.
type BackendConfig struct {
	// Fixtures is a YAML seed file; empty uses the built-in fixture.
	Fixtures string        `yaml:"fixtures" mapstructure:"fixtures"`
	Latency  time.Duration `yaml:"latency"  mapstructure:"latency"`
}

// New returns the default configuration.
func New() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Scheduler: SchedulerConfig{
			MinInterval: scheduler.FormatDuration(scheduler.DefaultMinInterval),
		},
		Pagination: PaginationConfig{
			PageSize:          pagination.DefaultPageSize,
			PrefetchThreshold: pagination.DefaultPrefetchThreshold,
		},
		Remote: RemoteConfig{
			APIVersion: "^1.0",
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		Identity: IdentityConfig{UserID: "u1", Name: "You", Handle: "you"},
	}
}

// Dir returns the user configuration directory: $FINFEED_HOME or ~/.finfeed.
func Dir() string {
	if dir := os.Getenv(envPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".finfeed"
	}
	return filepath.Join(home, ".finfeed")
}

// Load reads configuration with viper. An explicit path must exist; without one,
// finfeed.yaml is searched in the working directory and Dir, and a missing file
// leaves the defaults. FINFEED_SECTION_KEY environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, New())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithOverlay loads path, then shallow-merges overlayPath on top when it exists.
func LoadWithOverlay(path, overlayPath string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if overlayPath == "" {
		return cfg, nil
	}
	if _, statErr := os.Stat(overlayPath); statErr != nil {
		return cfg, nil
	}
	if err := ShallowMergeYAML(cfg, overlayPath); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("scheduler.min_interval", d.Scheduler.MinInterval)
	v.SetDefault("pagination.page_size", d.Pagination.PageSize)
	v.SetDefault("pagination.prefetch_threshold", d.Pagination.PrefetchThreshold)
	v.SetDefault("remote.api_version", d.Remote.APIVersion)
	v.SetDefault("remote.retry.max_attempts", d.Remote.Retry.MaxAttempts)
	v.SetDefault("remote.retry.initial_interval", d.Remote.Retry.InitialInterval)
	v.SetDefault("remote.retry.max_interval", d.Remote.Retry.MaxInterval)
	v.SetDefault("identity.token", d.Identity.Token)
	v.SetDefault("identity.secret", d.Identity.Secret)
	v.SetDefault("identity.user_id", d.Identity.UserID)
	v.SetDefault("identity.name", d.Identity.Name)
	v.SetDefault("identity.handle", d.Identity.Handle)
	v.SetDefault("backend.fixtures", d.Backend.Fixtures)
	v.SetDefault("backend.latency", d.Backend.Latency)
}

// MinInterval returns the parsed scheduler interval.
func (c *Config) MinInterval() (time.Duration, error) {
	return scheduler.ParseInterval(c.Scheduler.MinInterval)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.MinInterval(); err != nil {
		return fmt.Errorf("scheduler.min_interval: %w", err)
	}
	if err := pagination.ValidatePageSize(c.Pagination.PageSize); err != nil {
		return fmt.Errorf("pagination.page_size: %w", err)
	}
	if c.Pagination.PrefetchThreshold < 0 {
		return fmt.Errorf("pagination.prefetch_threshold: %w", pagination.ErrInvalidThreshold)
	}
	if c.Remote.Retry.MaxAttempts < 1 {
		return fmt.Errorf("remote.retry.max_attempts must be at least 1, got %d", c.Remote.Retry.MaxAttempts)
	}
	if c.Remote.APIVersion != "" {
		if _, err := semver.NewConstraint(c.Remote.APIVersion); err != nil {
			return fmt.Errorf("remote.api_version: %w", err)
		}
	}
	return nil
}
