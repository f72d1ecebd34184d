// Package config loads pricewatch settings from defaults, an optional config
// file, PRICEWATCH_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kimhsiao/pricewatch/backend/internal/archive"
	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/conflict"
)

const (
	EnvPrefix      = "PRICEWATCH"
	configFileName = "config"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

var home, _ = os.UserHomeDir()

// DefaultDataDir holds the SQLite database when data_dir is not set.
var DefaultDataDir = filepath.Join(home, ".pricewatch")

// Config holds every setting of the engine and its surfaces.
type Config struct {
	DataDir         string        `mapstructure:"data_dir"`
	Store           string        `mapstructure:"store"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	RemoteDSN       string        `mapstructure:"remote_dsn"`
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	QueueInterval   time.Duration `mapstructure:"queue_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
	AutoStrategy    string        `mapstructure:"auto_strategy"`
	HTTPAddr        string        `mapstructure:"http_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`

	// Scheduled archives of the store, written by the desktop server.
	BackupInterval time.Duration `mapstructure:"backup_interval"`
	BackupDir      string        `mapstructure:"backup_dir"`
	BackupKeep     int           `mapstructure:"backup_keep"`
	BackupPassword string        `mapstructure:"backup_password"`

	// Path is the config file that was read, empty when none was found.
	Path string `mapstructure:"-"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("store", StoreSQLite)
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("remote_dsn", "")
	v.SetDefault("retention_days", conflict.DefaultRetentionDays)
	v.SetDefault("cleanup_interval", 24*time.Hour)
	v.SetDefault("queue_interval", time.Minute)
	v.SetDefault("queue_size", 1000)
	v.SetDefault("auto_strategy", conflict.StrategyLastModified)
	v.SetDefault("http_addr", "localhost:8090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", string(logging.FormatText))
	v.SetDefault("backup_interval", time.Duration(0))
	v.SetDefault("backup_dir", "")
	v.SetDefault("backup_keep", 7)
	v.SetDefault("backup_password", "")
}

// Load reads the configuration into a Config and validates it. When path is
// empty the file is looked up as config.{yaml,json} under ~/.pricewatch and
// ~/.config/pricewatch; a missing file is not an error. Flags must already
// be bound on v.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(home, ".pricewatch"))
		v.AddConfigPath(filepath.Join(home, ".config", "pricewatch"))
		v.SetConfigName(configFileName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("read config %q", v.ConfigFileUsed()), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "decode config", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.DataDir == "" {
			return invalid("data_dir is required for the sqlite store")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return invalid("postgres_dsn is required for the postgres store")
		}
	case StoreMemory:
	default:
		return invalid("unknown store %q (want sqlite, postgres or memory)", c.Store)
	}

	if c.RetentionDays <= 0 {
		return invalid("retention_days must be positive, got %d", c.RetentionDays)
	}
	if c.CleanupInterval <= 0 {
		return invalid("cleanup_interval must be positive, got %s", c.CleanupInterval)
	}
	if c.QueueInterval <= 0 {
		return invalid("queue_interval must be positive, got %s", c.QueueInterval)
	}
	if c.QueueSize <= 0 {
		return invalid("queue_size must be positive, got %d", c.QueueSize)
	}

	strategy, ok := conflict.Strategy(c.AutoStrategy)
	if !ok {
		return invalid("unknown auto_strategy %q", c.AutoStrategy)
	}
	if !strategy.Automatic {
		return invalid("auto_strategy %q is not automatic", c.AutoStrategy)
	}

	if c.BackupInterval < 0 {
		return invalid("backup_interval must not be negative, got %s", c.BackupInterval)
	}
	if c.BackupKeep < 0 {
		return invalid("backup_keep must not be negative, got %d", c.BackupKeep)
	}
	if c.BackupPassword != "" && len(c.BackupPassword) < archive.MinPasswordLength {
		return invalid("backup_password must be at least %d characters", archive.MinPasswordLength)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "log_level", err)
	}
	switch logging.Format(c.LogFormat) {
	case logging.FormatJSON, logging.FormatText:
	default:
		return invalid("unknown log_format %q (want json or text)", c.LogFormat)
	}
	return nil
}

// BackupPath returns the backup directory, defaulting to backups/ under data_dir.
func (c *Config) BackupPath() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(c.DataDir, "backups")
}

// Level returns the parsed log level.
func (c *Config) Level() logging.LogLevel {
	lvl, _ := logging.ParseLevel(c.LogLevel)
	return lvl
}

func invalid(format string, args ...interface{}) error {
	return apperrors.Newf(apperrors.ErrConfigInvalid, format, args...)
}
