// Package config loads service and reconstruction settings from JSON or
// YAML files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siloscan/siloscan/internal/units"
)

// DefaultConfigPath is the canonical defaults file, relative to the repo root.
const DefaultConfigPath = "config/siloscan.defaults.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Duration is a time.Duration that reads "500ms"-style strings from JSON
// and YAML.
type Duration time.Duration

// D returns the standard library value.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5s\": %w", node.Line, err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// LogConfig selects the zap encoder and optional rotated file output.
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"` // console or json
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
}

// SenderConfig drives the upload client.
type SenderConfig struct {
	ServerURL     string   `json:"server_url" yaml:"server_url"`
	DeviceID      string   `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	LinesPerChunk int      `json:"lines_per_chunk" yaml:"lines_per_chunk"`
	Timezone      string   `json:"timezone" yaml:"timezone"`
	MaxRetries    int      `json:"max_retries" yaml:"max_retries"`
	RetryDelay    Duration `json:"retry_delay" yaml:"retry_delay"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
}

// ServiceConfig is the root configuration for the server, worker and CLI.
type ServiceConfig struct {
	Listen           string `json:"listen" yaml:"listen"`
	HealthListen     string `json:"health_listen,omitempty" yaml:"health_listen,omitempty"`
	DBPath           string `json:"db_path" yaml:"db_path"`
	MaxFragmentBytes int64  `json:"max_fragment_bytes" yaml:"max_fragment_bytes"`

	PollInterval   Duration `json:"poll_interval" yaml:"poll_interval"`
	LeaseTimeout   Duration `json:"lease_timeout" yaml:"lease_timeout"`
	RetryBackoff   Duration `json:"retry_backoff" yaml:"retry_backoff"`
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	DiagnosticsDir string   `json:"diagnostics_dir,omitempty" yaml:"diagnostics_dir,omitempty"`

	Log            LogConfig             `json:"log" yaml:"log"`
	Sender         SenderConfig          `json:"sender" yaml:"sender"`
	Reconstruction *ReconstructionConfig `json:"reconstruction,omitempty" yaml:"reconstruction,omitempty"`
}

// Default returns the built-in configuration. Files loaded with Load are
// applied on top of it.
func Default() *ServiceConfig {
	return &ServiceConfig{
		Listen:           ":8080",
		DBPath:           "siloscan.db",
		MaxFragmentBytes: 8 << 20,
		PollInterval:     Duration(2 * time.Second),
		LeaseTimeout:     Duration(5 * time.Minute),
		RetryBackoff:     Duration(30 * time.Second),
		MaxAttempts:      5,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Sender: SenderConfig{
			ServerURL:     "http://localhost:8080/upload_chunk",
			LinesPerChunk: 1000,
			Timezone:      units.DefaultBatchTimezone,
			MaxRetries:    3,
			RetryDelay:    Duration(time.Second),
			Timeout:       Duration(30 * time.Second),
		},
		Reconstruction: DefaultReconstructionConfig(),
	}
}

// Load reads a .json, .yaml or .yml file over the defaults and validates
// the result.
func Load(path string) (*ServiceConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is set and returns the defaults
// otherwise.
func LoadOrDefault(path string) (*ServiceConfig, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so it works from package tests. Panics on failure; intended
// for test setup.
func MustLoadDefaultConfig() *ServiceConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/siloscan/
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *ServiceConfig) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.MaxFragmentBytes <= 0 {
		return fmt.Errorf("max_fragment_bytes must be positive, got %d", c.MaxFragmentBytes)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("lease_timeout must be positive, got %s", c.LeaseTimeout)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff must be non-negative, got %s", c.RetryBackoff)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Sender.LinesPerChunk < 1 {
		return fmt.Errorf("sender.lines_per_chunk must be >= 1, got %d", c.Sender.LinesPerChunk)
	}
	if c.Sender.MaxRetries < 0 {
		return fmt.Errorf("sender.max_retries must be non-negative, got %d", c.Sender.MaxRetries)
	}
	if !units.IsTimezoneValid(c.Sender.Timezone) {
		return fmt.Errorf("sender.timezone %q is not a valid IANA zone", c.Sender.Timezone)
	}
	return c.Reconstruction.Validate()
}
