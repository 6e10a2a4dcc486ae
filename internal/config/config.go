package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/matteso1/chestnut/internal/listmap"
	"github.com/matteso1/chestnut/internal/storage"
)

// Environment variables that override the file.
const (
	EnvAddr     = "CHESTNUT_ADDR"
	EnvDataDir  = "CHESTNUT_DATA_DIR"
	EnvLogLevel = "CHESTNUT_LOG_LEVEL"
)

// Config holds all chestnut server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DataDir   string          `yaml:"data_dir"`
	Logging   LoggingConfig   `yaml:"logging"`
	Lists     ListsConfig     `yaml:"lists"`
	Storage   StorageConfig   `yaml:"storage"`
	Scavenger ScavengerConfig `yaml:"scavenger"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// HintConfig is a storage sizing hint for one tier.
type HintConfig struct {
	Entries     int64 `yaml:"entries"`
	AvgValueLen int   `yaml:"avg_value_len"`
}

// ListsConfig holds the defaults for newly created lists.
type ListsConfig struct {
	SmallThreshold  uint64     `yaml:"small_threshold"`
	MedianThreshold uint64     `yaml:"median_threshold"`
	SmallHints      HintConfig `yaml:"small_hints"`
	MedianHints     HintConfig `yaml:"median_hints"`
	LargeHints      HintConfig `yaml:"large_hints"`
}

// StorageConfig configures the storage engines.
type StorageConfig struct {
	// MemTableSize in bytes; 0 sizes memtables from the list hints.
	MemTableSize      int64         `yaml:"memtable_size"`
	SyncMode          string        `yaml:"sync_mode"` // none, batch, always
	SyncInterval      time.Duration `yaml:"sync_interval"`
	Compression       string        `yaml:"compression"` // none, lz4, zstd
	BlockSize         int           `yaml:"block_size"`
	CompactionTrigger int           `yaml:"compaction_trigger"`
}

// ScavengerConfig configures stale-array cleanup.
type ScavengerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Rate     float64       `yaml:"rate"`
	Burst    int           `yaml:"burst"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	lists := listmap.DefaultConfig()
	lsm := storage.DefaultLSMConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		DataDir: "./data",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Lists: ListsConfig{
			SmallThreshold:  lists.SmallThreshold,
			MedianThreshold: lists.MedianThreshold,
			SmallHints:      HintConfig(lists.SmallHints),
			MedianHints:     HintConfig(lists.MedianHints),
			LargeHints:      HintConfig(lists.LargeHints),
		},
		Storage: StorageConfig{
			SyncMode:          lsm.WALSyncMode.String(),
			SyncInterval:      lsm.SyncInterval,
			Compression:       lsm.Compression.String(),
			BlockSize:         lsm.BlockSize,
			CompactionTrigger: lsm.CompactionTrigger,
		},
		Scavenger: ScavengerConfig{
			Enabled:  true,
			Interval: 10 * time.Minute,
			Rate:     lists.ScavengeRate,
			Burst:    lists.ScavengeBurst,
		},
	}
}

// Load loads configuration from a YAML file. A missing file, or an empty
// path, yields the defaults. Environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv(EnvAddr); addr != "" {
		c.Server.Addr = addr
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		c.DataDir = dir
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address not configured")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory not configured")
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}
	if c.Storage.MemTableSize < 0 {
		return fmt.Errorf("memtable size must not be negative")
	}
	if c.Storage.CompactionTrigger < 2 {
		return fmt.Errorf("compaction trigger must be at least 2, got %d", c.Storage.CompactionTrigger)
	}
	if c.Scavenger.Enabled && c.Scavenger.Interval <= 0 {
		return fmt.Errorf("scavenger interval must be positive")
	}
	if _, err := c.ListConfig(); err != nil {
		return err
	}
	return nil
}

// ListConfig builds the listmap defaults described by the configuration.
func (c *Config) ListConfig() (listmap.Config, error) {
	syncMode, err := storage.ParseSyncMode(c.Storage.SyncMode)
	if err != nil {
		return listmap.Config{}, err
	}
	compression, err := storage.ParseCompression(c.Storage.Compression)
	if err != nil {
		return listmap.Config{}, err
	}

	lsm := storage.DefaultLSMConfig()
	lsm.MemTableSize = c.Storage.MemTableSize
	lsm.WALSyncMode = syncMode
	lsm.Compression = compression
	if c.Storage.SyncInterval > 0 {
		lsm.SyncInterval = c.Storage.SyncInterval
	}
	if c.Storage.BlockSize > 0 {
		lsm.BlockSize = c.Storage.BlockSize
	}
	if c.Storage.CompactionTrigger > 0 {
		lsm.CompactionTrigger = c.Storage.CompactionTrigger
	}

	lists := listmap.Config{
		SmallThreshold:  c.Lists.SmallThreshold,
		MedianThreshold: c.Lists.MedianThreshold,
		SmallHints:      storage.Hints(c.Lists.SmallHints),
		MedianHints:     storage.Hints(c.Lists.MedianHints),
		LargeHints:      storage.Hints(c.Lists.LargeHints),
		Storage:         lsm,
		ScavengeRate:    c.Scavenger.Rate,
		ScavengeBurst:   c.Scavenger.Burst,
	}
	if err := lists.Validate(); err != nil {
		return listmap.Config{}, fmt.Errorf("list defaults: %w", err)
	}
	return lists, nil
}

// NewLogger builds the zap logger described by the logging section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	config := zap.NewProductionConfig()
	if c.Logging.Format == "console" {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = level

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
