// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on it rather than *Config so tests can hand in fakes.
type Interface interface {
	Logger() LoggerConfig
	Records() RecordsConfig
	Engine() EngineConfig
	Journal() JournalConfig
	Store() StoreConfig

	SetRecordsPath(string)
	SetRecordsFollow(bool)
	SetEngineWorkerConcurrency(int)
	SetEngineRecordsPerWorker(int)
	SetEngineStartInterval(time.Duration)
	SetJournalPath(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerConfig  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	RecordsConfig RecordsConfig `mapstructure:"records" yaml:"records"`
	EngineConfig  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	JournalConfig JournalConfig `mapstructure:"journal" yaml:"journal"`
	StoreConfig   StoreConfig   `mapstructure:"store" yaml:"store"`
}

var _ Interface = (*Config)(nil)

// --- Getters ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerConfig }
func (c *Config) Records() RecordsConfig { return c.RecordsConfig }
func (c *Config) Engine() EngineConfig   { return c.EngineConfig }
func (c *Config) Journal() JournalConfig { return c.JournalConfig }
func (c *Config) Store() StoreConfig     { return c.StoreConfig }

// --- Setters ---

func (c *Config) SetRecordsPath(p string)          { c.RecordsConfig.Path = p }
func (c *Config) SetRecordsFollow(b bool)          { c.RecordsConfig.Follow = b }
func (c *Config) SetEngineWorkerConcurrency(n int) { c.EngineConfig.WorkerConcurrency = n }
func (c *Config) SetEngineRecordsPerWorker(n int)  { c.EngineConfig.RecordsPerWorker = n }
func (c *Config) SetEngineStartInterval(d time.Duration) {
	c.EngineConfig.StartInterval = d
}
func (c *Config) SetJournalPath(p string) { c.JournalConfig.Path = p }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the terminal color used for each log level.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// RecordsConfig points at the record file being drained.
type RecordsConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// Follow keeps workers alive on an exhausted file until it is repopulated.
	Follow bool `mapstructure:"follow" yaml:"follow"`
}

// EngineConfig configures the worker pool.
type EngineConfig struct {
	WorkerConcurrency int `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	// RecordsPerWorker caps how many records one worker consumes. Zero means no cap.
	RecordsPerWorker int           `mapstructure:"records_per_worker" yaml:"records_per_worker"`
	StartInterval    time.Duration `mapstructure:"start_interval" yaml:"start_interval"`
}

// JournalConfig controls the JSON-lines outcome journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
	Redact  bool   `mapstructure:"redact" yaml:"redact"`
}

// StoreConfig enables the optional PostgreSQL mirror of the journal.
type StoreConfig struct {
	// URL is a pgx connection string. Empty disables the mirror.
	URL       string `mapstructure:"url" yaml:"url"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "acctqueue")
	v.SetDefault("logger.log_file", "acctqueue.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Records --
	v.SetDefault("records.path", "results.txt")
	v.SetDefault("records.follow", false)

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 2)
	v.SetDefault("engine.records_per_worker", 0)
	v.SetDefault("engine.start_interval", "1s")

	// -- Journal --
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "consumed.jsonl")
	v.SetDefault("journal.redact", true)

	// -- Store --
	v.SetDefault("store.url", "")
	v.SetDefault("store.batch_size", 100)
}

// NewConfigFromViper creates a validated configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading ~ in every file path setting.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{&c.RecordsConfig.Path, &c.JournalConfig.Path, &c.LoggerConfig.LogFile} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.RecordsConfig.Path == "" {
		return errors.New("records.path is required")
	}
	if c.EngineConfig.WorkerConcurrency <= 0 {
		return errors.New("engine.worker_concurrency must be a positive integer")
	}
	if c.EngineConfig.RecordsPerWorker < 0 {
		return errors.New("engine.records_per_worker must not be negative")
	}
	if c.EngineConfig.StartInterval < 0 {
		return errors.New("engine.start_interval must not be negative")
	}
	if c.JournalConfig.Enabled && c.JournalConfig.Path == "" {
		return errors.New("journal.path is required when the journal is enabled")
	}
	if c.StoreConfig.URL != "" {
		if !c.JournalConfig.Enabled {
			return errors.New("store.url requires journal.enabled")
		}
		if c.StoreConfig.BatchSize <= 0 {
			return errors.New("store.batch_size must be a positive integer")
		}
	}
	switch c.LoggerConfig.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.LoggerConfig.Format)
	}
	return nil
}
