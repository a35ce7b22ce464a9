// Package config loads engine configuration from a YAML file with
// environment variable overrides. A .env file, when present, is folded
// into the environment first, so local development needs no exported
// variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces environment overrides, e.g. VECTORIZER_DATA_DIR.
const envPrefix = "vectorizer"

// Config is the top-level engine configuration.
type Config struct {
	// DataDir is where archives, sidecars and snapshots live.
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`

	// FlushInterval is the period of the background auto-save loop.
	// Zero disables automatic flushing.
	FlushInterval time.Duration `yaml:"flush_interval" envconfig:"FLUSH_INTERVAL"`

	// CompactionThreshold is the tombstone ratio above which the flush
	// loop compacts a collection.
	CompactionThreshold float64 `yaml:"compaction_threshold" envconfig:"COMPACTION_THRESHOLD"`

	// SnapshotRetention is how many snapshots to keep per collection.
	SnapshotRetention int `yaml:"snapshot_retention" envconfig:"SNAPSHOT_RETENTION"`

	// CacheCapacity bounds the hot record cache, in entries. Zero
	// disables the cache.
	CacheCapacity int `yaml:"cache_capacity" envconfig:"CACHE_CAPACITY"`

	Offload OffloadConfig `yaml:"offload"`
}

// OffloadConfig points snapshot uploads at an S3-compatible endpoint.
// Offload is disabled while Endpoint is empty.
type OffloadConfig struct {
	Endpoint  string `yaml:"endpoint" envconfig:"OFFLOAD_ENDPOINT"`
	AccessKey string `yaml:"access_key" envconfig:"OFFLOAD_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" envconfig:"OFFLOAD_SECRET_KEY"`
	Bucket    string `yaml:"bucket" envconfig:"OFFLOAD_BUCKET"`
	Prefix    string `yaml:"prefix" envconfig:"OFFLOAD_PREFIX"`
	UseSSL    bool   `yaml:"use_ssl" envconfig:"OFFLOAD_USE_SSL"`
	// UploadsPerSecond paces snapshot uploads. Zero means unlimited.
	UploadsPerSecond float64 `yaml:"uploads_per_second" envconfig:"OFFLOAD_UPLOADS_PER_SECOND"`
}

// Enabled reports whether an offload target is configured.
func (c OffloadConfig) Enabled() bool { return c.Endpoint != "" }

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() Config {
	return Config{
		DataDir:             "./data",
		FlushInterval:       30 * time.Second,
		CompactionThreshold: 0.2,
		SnapshotRetention:   5,
		CacheCapacity:       8192,
		Offload: OffloadConfig{
			Prefix: "vectorizer",
			UseSSL: true,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist) and applies environment overrides on top.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.CompactionThreshold < 0 || c.CompactionThreshold > 1 {
		return fmt.Errorf("config: compaction_threshold %v out of [0,1]", c.CompactionThreshold)
	}
	if c.SnapshotRetention < 0 {
		return fmt.Errorf("config: snapshot_retention must not be negative")
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("config: cache_capacity must not be negative")
	}
	return nil
}
