// Package config loads plugsync settings from defaults, an optional config
// file, PLUGSYNC_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// PLUGSYNC_PLUGIN_DIR or PLUGSYNC_DB_DSN.
const EnvPrefix = "PLUGSYNC"

// Supported database drivers.
var drivers = map[string]bool{
	"sqlite3": true,
	"mysql":   true,
	"libsql":  true,
}

// Config is the complete runtime configuration.
type Config struct {
	PluginDir          string        `mapstructure:"plugin_dir"`
	ServerPluginDir    string        `mapstructure:"server_plugin_dir"`
	StagingDir         string        `mapstructure:"staging_dir"`
	ScanInterval       time.Duration `mapstructure:"scan_interval"`
	Watch              bool          `mapstructure:"watch"`
	Debounce           time.Duration `mapstructure:"debounce"`
	ListenAddr         string        `mapstructure:"listen_addr"`
	RegisteredManifest string        `mapstructure:"registered_manifest"`

	DB  DBConfig  `mapstructure:"db"`
	Log LogConfig `mapstructure:"log"`
}

// DBConfig selects the database holding the plugin table.
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a viper instance with defaults, config search paths and
// environment binding set up. Callers may bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("plugin_dir", "")
	v.SetDefault("server_plugin_dir", "")
	v.SetDefault("staging_dir", "")
	v.SetDefault("scan_interval", 5*time.Minute)
	v.SetDefault("watch", false)
	v.SetDefault("debounce", 500*time.Millisecond)
	v.SetDefault("listen_addr", "")
	v.SetDefault("registered_manifest", "")
	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.dsn", "plugsync.db")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetConfigName("plugsync")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "plugsync"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file, if any, and decodes v into a Config. When
// configFile is non-empty it must exist; otherwise a missing plugsync.toml
// or plugsync.yaml in the search path is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required keys and value ranges. All problems are
// reported together.
func (c *Config) Validate() error {
	var problems []string

	if c.PluginDir == "" {
		problems = append(problems, "plugin_dir is required")
	}
	if c.ScanInterval <= 0 {
		problems = append(problems, fmt.Sprintf("scan_interval must be positive, got %s", c.ScanInterval))
	}
	if c.Watch && c.Debounce <= 0 {
		problems = append(problems, fmt.Sprintf("debounce must be positive when watch is enabled, got %s", c.Debounce))
	}
	if !drivers[c.DB.Driver] {
		problems = append(problems, fmt.Sprintf("db.driver %q is not supported (sqlite3, mysql, libsql)", c.DB.Driver))
	}
	if c.DB.DSN == "" {
		problems = append(problems, "db.dsn is required")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		problems = append(problems, "log rotation limits cannot be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ConfigFileUsed returns the file v was loaded from, or "" if none.
func ConfigFileUsed(v *viper.Viper) string {
	return v.ConfigFileUsed()
}
