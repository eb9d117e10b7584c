// Package config loads the mcad configuration file.
//
// The file is YAML. Missing files yield [Default]. Command line flags
// override file values in cmd/mcad.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up in the working directory.
const DefaultPath = "mcad.yaml"

// Config is the content of the configuration file.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,description=Log level"`

	// Verify round-trips every computed patch and logs chunks it does not
	// reproduce.
	Verify bool `yaml:"verify" json:"verify" jsonschema:"description=Verify every computed patch"`

	// Workers bounds the number of regions processed concurrently by batch.
	// 0 means one per CPU.
	Workers int `yaml:"workers" json:"workers" jsonschema:"minimum=0,description=Concurrent regions in batch mode; 0 means one per CPU"`

	// CompressionLevel is the gzip level of patch files, -1 for the default.
	CompressionLevel int `yaml:"compression_level" json:"compression_level" jsonschema:"minimum=-1,maximum=9,description=gzip level of patch files"`

	// ArchiveDir is where watch stores patches. Empty disables the archive.
	ArchiveDir string `yaml:"archive_dir" json:"archive_dir,omitempty" jsonschema:"description=Patch archive directory"`

	// GitHistory commits every archived patch to a git repository in
	// ArchiveDir.
	GitHistory bool `yaml:"git_history" json:"git_history" jsonschema:"description=Commit archived patches to git"`

	// Watch configures the watch command.
	Watch Watch `yaml:"watch" json:"watch"`
}

// Watch configures the region directory watcher.
type Watch struct {
	// Debounce is how long a region file must stay quiet before it is
	// diffed.
	Debounce time.Duration `yaml:"debounce" json:"debounce" jsonschema:"type=string,description=Quiet period before a modified region is diffed (e.g. 2s)"`

	// MinInterval is the minimum time between two diffs of the same region.
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval" jsonschema:"type=string,description=Minimum time between two diffs of one region (e.g. 30s)"`

	// MetricsAddr serves Prometheus metrics when set, e.g. localhost:9100.
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr,omitempty" jsonschema:"description=Prometheus metrics listen address"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		LogLevel:         "info",
		Workers:          0,
		CompressionLevel: gzip.DefaultCompression,
		Watch: Watch{
			Debounce:    2 * time.Second,
			MinInterval: 30 * time.Second,
		},
	}
}

// Load reads the configuration at path on top of the defaults. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is provided by the CLI user
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Workers < 0 {
		return errors.New("workers must be non-negative")
	}
	if c.CompressionLevel < gzip.DefaultCompression || c.CompressionLevel > gzip.BestCompression {
		return fmt.Errorf("compression_level must be between %d and %d", gzip.DefaultCompression, gzip.BestCompression)
	}
	if c.GitHistory && c.ArchiveDir == "" {
		return errors.New("git_history requires archive_dir")
	}
	if err := c.Watch.Validate(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// Validate checks that durations are non-negative.
func (w *Watch) Validate() error {
	if w.Debounce < 0 {
		return errors.New("debounce must be non-negative")
	}
	if w.MinInterval < 0 {
		return errors.New("min_interval must be non-negative")
	}
	return nil
}

// Schema returns the JSON Schema of the configuration file.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(&Config{})
	s.Title = "mcad configuration"
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return b, nil
}
