package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Database string   `yaml:"database"`
	Storage  Storage  `yaml:"storage"`
	Queue    Queue    `yaml:"queue"`
	Transfer Transfer `yaml:"transfer"`
	Proof    Proof    `yaml:"proof"`
	Retry    Retry    `yaml:"retry"`
	Metrics  Metrics  `yaml:"metrics"`
	LogLevel string   `yaml:"log_level"`
}

// Storage represents the proof storage backend configuration
type Storage struct {
	Driver        string `yaml:"driver"`
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Secure        bool   `yaml:"secure"`
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	Streaming     bool   `yaml:"streaming"`
	PresignedPut  bool   `yaml:"presigned_put"`
	LocalRoot     string `yaml:"local_root"`
	BaseURL       string `yaml:"base_url"`
	SignExpirySec int    `yaml:"sign_expiry_sec"`
}

// Queue represents job queue configuration
type Queue struct {
	MaxAttempts          int `yaml:"max_attempts"`
	BatchSize            int `yaml:"batch_size"`
	DrainDelayMs         int `yaml:"drain_delay_ms"`
	TableProbeTTLSec     int `yaml:"table_probe_ttl_sec"`
	TableProbePersistSec int `yaml:"table_probe_persist_sec"`
}

// Transfer represents transfer engine configuration
type Transfer struct {
	Strategy       string `yaml:"strategy"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	TaskTimeoutMs  int    `yaml:"task_timeout_ms"`
	BatchTimeoutMs int    `yaml:"batch_timeout_ms"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	TempDir        string `yaml:"temp_dir"`
}

// Proof represents proof generation configuration
type Proof struct {
	Prefix         string `yaml:"prefix"`
	MaxDimension   int    `yaml:"max_dimension"`
	Quality        int    `yaml:"quality"`
	WatermarkText  string `yaml:"watermark_text"`
	MaxInputBytes  int64  `yaml:"max_input_bytes"`
	MaxPixels      int64  `yaml:"max_pixels"`
	SyncThreshold  int    `yaml:"sync_threshold"`
	SyncBudgetMs   int    `yaml:"sync_budget_ms"`
	CacheTTLSec    int    `yaml:"cache_ttl_sec"`
	PlaceholderURL string `yaml:"placeholder_url"`
	Workers        int    `yaml:"workers"`
}

// Retry represents retry and multipart configuration for storage calls
type Retry struct {
	Retries      int   `yaml:"retries"`
	BackoffMs    int   `yaml:"backoff_ms"`
	MaxBackoffMs int   `yaml:"max_backoff_ms"`
	PartSize     int64 `yaml:"part_size"`
}

// Metrics represents the metrics server configuration
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration populated with defaults
func Default() *Config {
	return &Config{
		Database: "./proofpipe.db",
		LogLevel: "info",
		Storage: Storage{
			Driver:        "s3",
			Secure:        true,
			Streaming:     true,
			SignExpirySec: 300,
		},
		Queue: Queue{
			MaxAttempts:          3,
			BatchSize:            10,
			DrainDelayMs:         1000,
			TableProbeTTLSec:     300,
			TableProbePersistSec: 86400,
		},
		Transfer: Transfer{
			Strategy:       "auto",
			MaxConcurrency: 8,
			TaskTimeoutMs:  30000,
			BatchTimeoutMs: 120000,
			PollIntervalMs: 10,
		},
		Proof: Proof{
			Prefix:         "proofs/",
			MaxDimension:   1200,
			Quality:        60,
			WatermarkText:  "PROOF COPY - NOT FINAL",
			MaxInputBytes:  40 * 1024 * 1024, // 40MB
			MaxPixels:      80_000_000,
			SyncThreshold:  3,
			SyncBudgetMs:   20000,
			CacheTTLSec:    900,
			PlaceholderURL: "/assets/proof-placeholder.jpg",
			Workers:        4,
		},
		Retry: Retry{
			Retries:      3,
			BackoffMs:    100,
			MaxBackoffMs: 2000,
			PartSize:     5 * 1024 * 1024, // 5MB
		},
		Metrics: Metrics{
			Addr: ":8080",
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("database") {
		cfg.Database, _ = flags.GetString("database")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if flags.Changed("storage-driver") {
		cfg.Storage.Driver, _ = flags.GetString("storage-driver")
	}
	if flags.Changed("endpoint") {
		cfg.Storage.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("access-key") {
		cfg.Storage.AccessKey, _ = flags.GetString("access-key")
	}
	if flags.Changed("secret-key") {
		cfg.Storage.SecretKey, _ = flags.GetString("secret-key")
	}
	if flags.Changed("secure") {
		cfg.Storage.Secure, _ = flags.GetBool("secure")
	}
	if flags.Changed("bucket") {
		cfg.Storage.Bucket, _ = flags.GetString("bucket")
	}
	if flags.Changed("local-root") {
		cfg.Storage.LocalRoot, _ = flags.GetString("local-root")
	}

	if flags.Changed("max-attempts") {
		cfg.Queue.MaxAttempts, _ = flags.GetInt("max-attempts")
	}
	if flags.Changed("batch-size") {
		cfg.Queue.BatchSize, _ = flags.GetInt("batch-size")
	}

	if flags.Changed("strategy") {
		cfg.Transfer.Strategy, _ = flags.GetString("strategy")
	}
	if flags.Changed("concurrency") {
		cfg.Transfer.MaxConcurrency, _ = flags.GetInt("concurrency")
	}

	if flags.Changed("retries") {
		cfg.Retry.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Retry.BackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("part-size") {
		cfg.Retry.PartSize, _ = flags.GetInt64("part-size")
	}

	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}

	return nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}

	switch c.Storage.Driver {
	case "s3":
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage endpoint is required")
		}
		if c.Storage.AccessKey == "" {
			return fmt.Errorf("storage access key is required")
		}
		if c.Storage.SecretKey == "" {
			return fmt.Errorf("storage secret key is required")
		}
		if c.Storage.Bucket == "" {
			return fmt.Errorf("bucket is required")
		}
	case "local":
		if c.Storage.LocalRoot == "" {
			return fmt.Errorf("local root is required for local storage")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	switch c.Transfer.Strategy {
	case "auto", "multiplex", "socket", "sequential":
	default:
		return fmt.Errorf("unknown transfer strategy %q", c.Transfer.Strategy)
	}
	if c.Transfer.MaxConcurrency <= 0 {
		return fmt.Errorf("transfer concurrency must be positive")
	}
	if c.Transfer.TaskTimeoutMs <= 0 || c.Transfer.BatchTimeoutMs <= 0 {
		return fmt.Errorf("transfer timeouts must be positive")
	}
	if c.Transfer.PollIntervalMs < 0 {
		return fmt.Errorf("poll interval cannot be negative")
	}

	if c.Proof.Quality < 1 || c.Proof.Quality > 100 {
		return fmt.Errorf("proof quality must be between 1 and 100")
	}
	if c.Proof.MaxDimension <= 0 {
		return fmt.Errorf("proof max dimension must be positive")
	}
	if c.Proof.MaxInputBytes <= 0 {
		return fmt.Errorf("proof max input bytes must be positive")
	}
	if c.Proof.MaxPixels <= 0 {
		return fmt.Errorf("proof max pixels must be positive")
	}

	if c.Retry.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}
	if c.Retry.PartSize < 5*1024*1024 { // 5MB minimum for S3
		return fmt.Errorf("part size must be at least 5MB")
	}

	return nil
}

// Ms converts a millisecond setting into a duration
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Sec converts a second setting into a duration
func Sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}
