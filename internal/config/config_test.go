package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Run.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want 1000", cfg.Run.BatchSize)
	}
	if cfg.Run.MaxRequeues != 50 {
		t.Errorf("MaxRequeues = %d, want 50", cfg.Run.MaxRequeues)
	}
	if cfg.Store.Table != "bucket_ranges" {
		t.Errorf("Table = %q", cfg.Store.Table)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: postgres
  dsn: postgres://localhost/ranges
  table: prod_ranges
source:
  backend: s3
  bucket: archive
  endpoint: http://minio:9000
run:
  instance: w3
  batch_size: 250
  report_interval: 30s
policy:
  name: inventory
  output_url: file:///tmp/inventory
  format: jsonl.zst
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.Table != "prod_ranges" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Source.Backend != "s3" || cfg.Source.Endpoint != "http://minio:9000" {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Run.BatchSize != 250 || cfg.Run.Instance != "w3" {
		t.Errorf("run = %+v", cfg.Run)
	}
	if cfg.Run.ReportInterval != 30*time.Second {
		t.Errorf("ReportInterval = %s, want 30s", cfg.Run.ReportInterval)
	}
	// Unset keys keep their defaults.
	if cfg.Run.LogDir != "./logs" || cfg.Metrics.Address != ":9090" {
		t.Errorf("defaults lost: log_dir=%q address=%q", cfg.Run.LogDir, cfg.Metrics.Address)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Run.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want default", cfg.Run.BatchSize)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "run:\n  batchsize: 10\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "run:\n  batch_size: 250\n")
	t.Setenv("BUCKETPROC_RUN_BATCH_SIZE", "75")
	t.Setenv("BUCKETPROC_STORE_TABLE", "env_ranges")
	t.Setenv("BUCKETPROC_METRICS_ENABLED", "true")
	t.Setenv("BUCKETPROC_RUN_REPORT_INTERVAL", "5s")
	t.Setenv("BUCKETPROC_AUDIT_ENABLED", "true")
	t.Setenv("BUCKETPROC_AUDIT_ENDPOINT", "http://collector:8080/events")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Run.BatchSize != 75 {
		t.Errorf("BatchSize = %d, want 75", cfg.Run.BatchSize)
	}
	if cfg.Store.Table != "env_ranges" {
		t.Errorf("Table = %q", cfg.Store.Table)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics not enabled from env")
	}
	if cfg.Run.ReportInterval != 5*time.Second {
		t.Errorf("ReportInterval = %s", cfg.Run.ReportInterval)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Endpoint != "http://collector:8080/events" {
		t.Errorf("audit = %+v", cfg.Audit)
	}
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("BUCKETPROC_RUN_BATCH_SIZE", "lots")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"table", func(c *Config) { c.Store.Table = "ranges; drop" }, "store.table"},
		{"batch size", func(c *Config) { c.Run.BatchSize = 0 }, "batch_size"},
		{"policy", func(c *Config) { c.Policy.Name = "copy" }, "unknown policy"},
		{"inventory output", func(c *Config) { c.Policy.Name = "inventory" }, "output_url"},
		{"inventory format", func(c *Config) {
			c.Policy.Name = "inventory"
			c.Policy.OutputURL = "mem://"
			c.Policy.Format = "csv"
		}, "policy.format"},
		{"metrics address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Address = ""
		}, "metrics.address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
