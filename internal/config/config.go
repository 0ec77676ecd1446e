package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Workspace scoping all records in the target store
	Workspace string `yaml:"workspace"`

	// Paths
	DataDir   string `yaml:"data_dir"`   // file-based source dataset
	BackupDir string `yaml:"backup_dir"` // archive root
	StateDir  string `yaml:"state_dir"`  // checkpoints, migration state, pending list

	// Migration tuning
	BatchSize  int `yaml:"batch_size"`
	SampleSize int `yaml:"sample_size"` // verification content samples

	// Ingestion controller resource ceilings (percent)
	CPUThreshold    float64 `yaml:"cpu_threshold"`
	MemoryThreshold float64 `yaml:"memory_threshold"`

	// Queue lock recovery
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
}

// Load reads configuration from environment variables.
// SurrealDB defaults match the memcp server so both tools
// point at the same database out of the box.
func Load() Config {
	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "knowledge"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "graph"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		Workspace: getEnv("MEMCP_WORKSPACE", "default"),

		DataDir:   getEnv("MEMCP_MIGRATE_DATA_DIR", "./data"),
		BackupDir: getEnv("MEMCP_MIGRATE_BACKUP_DIR", "./backups"),
		StateDir:  getEnv("MEMCP_MIGRATE_STATE_DIR", "./state"),

		BatchSize:  getEnvInt("MEMCP_MIGRATE_BATCH_SIZE", 100),
		SampleSize: getEnvInt("MEMCP_MIGRATE_SAMPLE_SIZE", 100),

		CPUThreshold:    getEnvFloat("MEMCP_MIGRATE_CPU_THRESHOLD", 80.0),
		MemoryThreshold: getEnvFloat("MEMCP_MIGRATE_MEM_THRESHOLD", 85.0),

		LockTimeout: getEnvDuration("MEMCP_MIGRATE_LOCK_TIMEOUT", 30*time.Minute),

		LogFile:  getEnv("MEMCP_MIGRATE_LOG_FILE", "/tmp/memcp-migrate.log"),
		LogLevel: parseLogLevel(getEnv("MEMCP_MIGRATE_LOG_LEVEL", "INFO")),
	}
}

// ApplyFile overlays values from a YAML config file onto c.
// Zero values in the file leave the existing setting untouched,
// so env-derived defaults survive a sparse file.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	merge(&c.SurrealDBURL, overlay.SurrealDBURL)
	merge(&c.SurrealDBNamespace, overlay.SurrealDBNamespace)
	merge(&c.SurrealDBDatabase, overlay.SurrealDBDatabase)
	merge(&c.SurrealDBUser, overlay.SurrealDBUser)
	merge(&c.SurrealDBPass, overlay.SurrealDBPass)
	merge(&c.SurrealDBAuthLevel, overlay.SurrealDBAuthLevel)
	merge(&c.Workspace, overlay.Workspace)
	merge(&c.DataDir, overlay.DataDir)
	merge(&c.BackupDir, overlay.BackupDir)
	merge(&c.StateDir, overlay.StateDir)
	merge(&c.LogFile, overlay.LogFile)

	if overlay.BatchSize > 0 {
		c.BatchSize = overlay.BatchSize
	}
	if overlay.SampleSize > 0 {
		c.SampleSize = overlay.SampleSize
	}
	if overlay.CPUThreshold > 0 {
		c.CPUThreshold = overlay.CPUThreshold
	}
	if overlay.MemoryThreshold > 0 {
		c.MemoryThreshold = overlay.MemoryThreshold
	}
	if overlay.LockTimeout > 0 {
		c.LockTimeout = overlay.LockTimeout
	}

	return nil
}

func merge(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
