package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(dir, "missing.yaml"))
		if err != nil {
			t.Fatal(err)
		}
		if *cfg != Default() {
			t.Errorf("Load() = %+v, want defaults", cfg)
		}
	})
	t.Run("partial", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		data := "log_level: debug\nverify: true\nwatch:\n  debounce: 500ms\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.LogLevel != "debug" || !cfg.Verify {
			t.Errorf("Load() = %+v", cfg)
		}
		if cfg.Watch.Debounce != 500*time.Millisecond {
			t.Errorf("Debounce = %s, want 500ms", cfg.Watch.Debounce)
		}
		if cfg.Watch.MinInterval != Default().Watch.MinInterval {
			t.Errorf("MinInterval = %s, want the default", cfg.Watch.MinInterval)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		if err := os.WriteFile(path, []byte("workers: -2\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("Load() accepted negative workers")
		}
	})
	t.Run("syntax", func(t *testing.T) {
		path := filepath.Join(dir, "syntax.yaml")
		if err := os.WriteFile(path, []byte("log_level: [\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("Load() accepted invalid YAML")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"compression", func(c *Config) { c.CompressionLevel = 10 }, "compression_level"},
		{"git without archive", func(c *Config) { c.GitHistory = true }, "archive_dir"},
		{"git with archive", func(c *Config) { c.GitHistory, c.ArchiveDir = true, "archive" }, ""},
		{"debounce", func(c *Config) { c.Watch.Debounce = -time.Second }, "debounce"},
		{"min interval", func(c *Config) { c.Watch.MinInterval = -time.Second }, "min_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSchema(t *testing.T) {
	b, err := Schema()
	if err != nil {
		t.Fatal(err)
	}
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"log_level", "verify", "workers", "compression_level", "archive_dir", "git_history", "watch"} {
		if _, ok := s.Properties[name]; !ok {
			t.Errorf("schema has no %q property", name)
		}
	}
}
