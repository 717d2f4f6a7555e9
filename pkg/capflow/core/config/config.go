package config

// Package config provides structures and utilities for managing application configuration.

// EmbeddedConfig holds the content of the configuration file, typically passed from main.go.
type EmbeddedConfig []byte

// LogLevel defines the logging level for the application.
type LogLevel string

const (
	LogLevelDebug  LogLevel = "DEBUG"
	LogLevelInfo   LogLevel = "INFO"
	LogLevelWarn   LogLevel = "WARN"
	LogLevelError  LogLevel = "ERROR"
	LogLevelFatal  LogLevel = "FATAL"
	LogLevelSilent LogLevel = "SILENT"
)

// PoolConfig holds connection pool settings for the relational store.
type PoolConfig struct {
	MaxOpenConns           int `yaml:"max_open_conns"`            // MaxOpenConns is the maximum number of open connections.
	MaxIdleConns           int `yaml:"max_idle_conns"`            // MaxIdleConns is the maximum number of idle connections.
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"` // ConnMaxLifetimeMinutes bounds connection reuse.
}

// DatabaseConfig holds the relational store connection settings.
type DatabaseConfig struct {
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	User     string     `yaml:"user"`
	Password string     `yaml:"password"`
	Database string     `yaml:"database"`
	Params   string     `yaml:"params"` // Params is appended to the DSN (e.g., "parseTime=true&loc=UTC").
	Pool     PoolConfig `yaml:"pool"`
	// TxTimeoutMinutes is the explicit timeout applied to batch insert and
	// reconciliation transactions. Large batches legitimately run long.
	TxTimeoutMinutes int `yaml:"tx_timeout_minutes"`
}

// RedisConfig holds the key-value store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// MaxMemoryMB, when non-zero, is applied to the server via CONFIG SET on
	// startup together with MaxMemoryPolicy.
	MaxMemoryMB     int    `yaml:"max_memory_mb"`
	MaxMemoryPolicy string `yaml:"max_memory_policy"`
}

// CoreConfig holds the knobs of the task-distribution core.
type CoreConfig struct {
	// HighWaterRatio is the key-value store memory usage percentage at or
	// above which admission is rejected with a capacity error.
	HighWaterRatio float64 `yaml:"high_water_ratio"`
	// InsertBatchSize is the number of rows written per transaction during
	// admission, and the page size used by reconciliation queries.
	InsertBatchSize int `yaml:"insert_batch_size"`
	// ScanRetentionDays bounds the age of dedup index entries relative to
	// each source's newest observed capture time.
	ScanRetentionDays int `yaml:"scan_retention_days"`
	// PartitionRetentionDays bounds the age of partitions relative to the
	// newest partitioned day.
	PartitionRetentionDays int `yaml:"partition_retention_days"`
	// ReconcileIntervalMinutes is the cycle of the unresolved-file loop.
	ReconcileIntervalMinutes int `yaml:"reconcile_interval_minutes"`
	// ResolutionSweepIntervalMinutes is the cycle of the task-resolution loop.
	ResolutionSweepIntervalMinutes int `yaml:"resolution_sweep_interval_minutes"`
	// MaintenanceIntervalHours is the cycle of partition expiry and dedup pruning.
	MaintenanceIntervalHours int `yaml:"maintenance_interval_hours"`
	// CacheRefreshIntervalMinutes is the periodic window-cache refresh cycle.
	CacheRefreshIntervalMinutes int `yaml:"cache_refresh_interval_minutes"`
	// StatusDrainIdleSeconds is how long the status-update drain loop blocks
	// waiting for a queued update before re-checking for shutdown.
	StatusDrainIdleSeconds int `yaml:"status_drain_idle_seconds"`
	// ErrorBackoffSeconds is the sleep applied by background loops after a
	// transient store error before the next cycle.
	ErrorBackoffSeconds int `yaml:"error_backoff_seconds"`
}

// ArchiveConfig holds settings for parquet archival of expiring partitions.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
	// Bucket is the storage bucket (a directory for the local backend).
	Bucket string `yaml:"bucket"`
	// BaseDir is the object-name prefix for exported partition files.
	BaseDir string `yaml:"base_dir"`
	// Store holds backend-specific settings. Its "type" key selects the
	// storage backend; the rest is decoded by the chosen adapter.
	Store map[string]interface{} `yaml:"store"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // Level is the logging level (e.g., "INFO", "DEBUG").
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	Timezone string        `yaml:"timezone"` // Timezone is the application timezone (e.g., "UTC").
	Logging  LoggingConfig `yaml:"logging"`
}

// CapflowConfig holds all configuration under the "capflow" top-level key.
type CapflowConfig struct {
	System   SystemConfig   `yaml:"system"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Core     CoreConfig     `yaml:"core"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// Config is the root structure for the entire application configuration.
type Config struct {
	Capflow CapflowConfig `yaml:"capflow"`
	// EmbeddedConfig holds configuration loaded from an embedded source, not from YAML.
	EmbeddedConfig EmbeddedConfig `yaml:"-"`
}

// NewConfig returns a new instance of Config with default values.
func NewConfig() *Config {
	return &Config{
		Capflow: CapflowConfig{
			System: SystemConfig{
				Timezone: "UTC",
				Logging:  LoggingConfig{Level: "INFO"},
			},
			Database: DatabaseConfig{
				Host:   "127.0.0.1",
				Port:   3306,
				Params: "parseTime=true&loc=UTC&charset=utf8mb4",
				Pool: PoolConfig{
					MaxOpenConns:           20,
					MaxIdleConns:           5,
					ConnMaxLifetimeMinutes: 30,
				},
				TxTimeoutMinutes: 20,
			},
			Redis: RedisConfig{
				Addr:            "127.0.0.1:6379",
				MaxMemoryPolicy: "noeviction",
			},
			Core: CoreConfig{
				HighWaterRatio:                 90,
				InsertBatchSize:                1000,
				ScanRetentionDays:              45,
				PartitionRetentionDays:         45,
				ReconcileIntervalMinutes:       20,
				ResolutionSweepIntervalMinutes: 5,
				MaintenanceIntervalHours:       24,
				CacheRefreshIntervalMinutes:    20,
				StatusDrainIdleSeconds:         5,
				ErrorBackoffSeconds:            10,
			},
			Archive: ArchiveConfig{
				Bucket:  "capflow-archive",
				BaseDir: "partitions",
				Store: map[string]interface{}{
					"type":     "local",
					"base_dir": "/var/lib/capflow/archive",
				},
			},
		},
	}
}
