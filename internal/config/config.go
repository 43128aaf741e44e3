// Package config loads and persists the subsweep configuration file. The
// file supplies defaults for every batch flag; explicitly set CLI flags
// win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default batch settings, matching the external API's comfortable pacing.
const (
	DefaultDelaySeconds   = 0.15
	DefaultRetries        = 3
	DefaultBackoffSeconds = 0.25
	DefaultJitterSeconds  = 0.25
)

// Config is the full configuration surface.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Batch   BatchConfig   `yaml:"batch"`
	Columns ColumnsConfig `yaml:"columns"`
	Play    PlayConfig    `yaml:"play"`
	Paths   PathsConfig   `yaml:"paths"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BatchConfig holds the execution-engine knobs. Durations are expressed in
// seconds to keep the file format friendly to operators.
type BatchConfig struct {
	// Delay is the flat spacing between remote calls, in seconds.
	Delay float64 `yaml:"delay"`

	// Retries is the number of retries after the first attempt for
	// transient errors.
	Retries int `yaml:"retries"`

	// Backoff is the base exponential backoff, in seconds.
	Backoff float64 `yaml:"backoff"`

	// Jitter is the random extra delay added to each backoff, in seconds.
	Jitter float64 `yaml:"jitter"`

	// SampleSize, when positive, reservoir-samples that many rows
	// instead of processing the whole input.
	SampleSize int `yaml:"sample_size"`

	// MaxRows, when positive, caps how many rows are read.
	MaxRows int `yaml:"max_rows"`
}

// MaxAttempts converts the retries knob to a total attempt budget.
func (b BatchConfig) MaxAttempts() int {
	return b.Retries + 1
}

// DelayDuration returns Delay as a time.Duration.
func (b BatchConfig) DelayDuration() time.Duration {
	return secondsToDuration(b.Delay)
}

// BackoffDuration returns Backoff as a time.Duration.
func (b BatchConfig) BackoffDuration() time.Duration {
	return secondsToDuration(b.Backoff)
}

// JitterDuration returns Jitter as a time.Duration.
func (b BatchConfig) JitterDuration() time.Duration {
	return secondsToDuration(b.Jitter)
}

// ColumnsConfig names the CSV columns to prefer when resolving fields.
type ColumnsConfig struct {
	Token          string `yaml:"token"`
	SubscriptionID string `yaml:"subscription_id"`
	Package        string `yaml:"package"`
	Product        string `yaml:"product"`
	OrderID        string `yaml:"order_id"`
}

// PlayConfig holds the remote API settings.
type PlayConfig struct {
	// ServiceAccount is the path to a service-account JSON key with
	// Manage Orders permission.
	ServiceAccount string `yaml:"service_account"`

	// PackageName is the application package used when the input has no
	// package column.
	PackageName string `yaml:"package_name"`
}

// PathsConfig holds output and checkpoint locations. Empty log/output
// paths get run-stamped defaults at runtime.
type PathsConfig struct {
	Log               string `yaml:"log"`
	CheckpointSuccess string `yaml:"checkpoint_success"`
	CheckpointFailed  string `yaml:"checkpoint_failed"`
	EligibleOutput    string `yaml:"eligible_output"`
	IneligibleOutput  string `yaml:"ineligible_output"`

	// RunDirs places default logs and outputs under a per-run directory
	// named by the run ID.
	RunDirs bool `yaml:"run_dirs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Batch: BatchConfig{
			Delay:   DefaultDelaySeconds,
			Retries: DefaultRetries,
			Backoff: DefaultBackoffSeconds,
			Jitter:  DefaultJitterSeconds,
		},
		Columns: ColumnsConfig{
			Token:          "purchaseToken",
			SubscriptionID: "subscriptionId",
			Package:        "package",
			Product:        "product",
			OrderID:        "order_id",
		},
		Paths: PathsConfig{
			RunDirs: true,
		},
	}
}

// DefaultPath returns the global config file location,
// ~/.subsweep/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".subsweep", "config.yaml"), nil
}

// Load reads the config file at path over the built-in defaults: keys
// present in the file override, absent keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when given, otherwise the global config file.
// A missing file is not an error; defaults apply.
func LoadOrDefault(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		defaultPath, err := DefaultPath()
		if err != nil {
			return Default(), nil
		}
		path = defaultPath
	}

	cfg, err := Load(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// secondsToDuration converts a fractional seconds value.
func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
