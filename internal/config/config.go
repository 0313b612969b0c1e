// Package config loads the bucket processor configuration from a YAML file
// with BUCKETPROC_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BUCKETPROC_"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Source  SourceConfig  `yaml:"source" envPrefix:"SOURCE_"`
	Run     RunConfig     `yaml:"run" envPrefix:"RUN_"`
	Policy  PolicyConfig  `yaml:"policy" envPrefix:"POLICY_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Audit   AuditConfig   `yaml:"audit" envPrefix:"AUDIT_"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"`
	DSN      string `yaml:"dsn" env:"DSN"`
	Table    string `yaml:"table" env:"TABLE"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
}

type SourceConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Backend  string `yaml:"backend" env:"BACKEND"`
	Bucket   string `yaml:"bucket" env:"BUCKET"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	Region   string `yaml:"region" env:"REGION"`
	LocalDir string `yaml:"local_dir" env:"LOCAL_DIR"`
}

type RunConfig struct {
	Instance       string        `yaml:"instance" env:"INSTANCE"`
	Hostname       string        `yaml:"hostname" env:"HOSTNAME"`
	BatchSize      int           `yaml:"batch_size" env:"BATCH_SIZE"`
	DryRun         bool          `yaml:"dry_run" env:"DRY_RUN"`
	NoReport       bool          `yaml:"no_report" env:"NO_REPORT"`
	LogDir         string        `yaml:"log_dir" env:"LOG_DIR"`
	ReportInterval time.Duration `yaml:"report_interval" env:"REPORT_INTERVAL"`
	MaxRequeues    uint32        `yaml:"max_requeues" env:"MAX_REQUEUES"`
	StopOnErrors   bool          `yaml:"stop_on_errors" env:"STOP_ON_ERRORS"`
}

type PolicyConfig struct {
	Name         string `yaml:"name" env:"NAME"`
	SaveProgress bool   `yaml:"save_progress" env:"SAVE_PROGRESS"`

	// Inventory output
	OutputURL    string `yaml:"output_url" env:"OUTPUT_URL"`
	OutputPrefix string `yaml:"output_prefix" env:"OUTPUT_PREFIX"`
	Format       string `yaml:"format" env:"FORMAT"`
}

type LoggingConfig struct {
	Format string `yaml:"format" env:"FORMAT"`
	Level  string `yaml:"level" env:"LEVEL"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Address   string `yaml:"address" env:"ADDRESS"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// AuditConfig enables the range transition audit log. Dir defaults to an
// "audit" directory inside the instance log directory.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	Dir      string `yaml:"dir" env:"DIR"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:   DriverSQLite,
			DSN:      "bucket_ranges.db",
			Table:    ranges.DefaultTable,
			MaxConns: 5,
		},
		Source: SourceConfig{
			Backend: "local",
		},
		Run: RunConfig{
			BatchSize:      1000,
			LogDir:         "./logs",
			ReportInterval: 15 * time.Second,
			MaxRequeues:    ranges.MaxRequeues,
		},
		Policy: PolicyConfig{
			Name:   "count",
			Format: "parquet",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "bucket_processor",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (if any) and
// BUCKETPROC_* environment variables, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields every command depends on.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if err := ranges.ValidateTableName(c.Store.Table); err != nil {
		return fmt.Errorf("store.table: %w", err)
	}
	if c.Run.BatchSize <= 0 {
		return fmt.Errorf("run.batch_size must be positive, got %d", c.Run.BatchSize)
	}
	if c.Run.ReportInterval <= 0 {
		return fmt.Errorf("run.report_interval must be positive, got %s", c.Run.ReportInterval)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address is required when metrics are enabled")
	}
	return c.Policy.validate()
}

func (p PolicyConfig) validate() error {
	switch p.Name {
	case "count":
		return nil
	case "inventory":
		if p.OutputURL == "" {
			return errors.New("policy.output_url is required for the inventory policy")
		}
		switch p.Format {
		case "parquet", "jsonl.zst":
			return nil
		default:
			return fmt.Errorf("policy.format must be parquet or jsonl.zst, got %q", p.Format)
		}
	default:
		return fmt.Errorf("unknown policy %q", p.Name)
	}
}
