// Package config provides environment-based configuration for condastore.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/narvanalabs/condastore/internal/buildkey"
)

// ConfigFileName is the optional config file looked up in the working
// directory and /etc/condastore (without extension).
const ConfigFileName = "condastore"

// Config holds all configuration for condastore.
type Config struct {
	// Database configuration
	DatabaseDriver string
	DatabaseDSN    string

	// Server configuration
	APIHost string
	APIPort int

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// BuildKeyVersion selects the build key encoding for new artifact keys.
	BuildKeyVersion int

	// Action configuration
	Action ActionConfig

	// Logging configuration
	LogLevel  string
	LogFormat string
}

// ActionConfig holds the settings of the action runner.
type ActionConfig struct {
	CondaCommand     string
	CondaLockCommand string
	// WorkDir is the parent of per-action workspaces; empty means the
	// system temp directory.
	WorkDir string
	// CommandTimeout bounds each subprocess; zero means no limit.
	CommandTimeout time.Duration
}

// ConfigurationError reports an invalid configuration value.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// defaults maps each setting to its environment variable default.
var defaults = map[string]any{
	"DATABASE_DRIVER":        "pgx",
	"DATABASE_URL":           "postgres://localhost:5432/condastore?sslmode=disable",
	"API_HOST":               "0.0.0.0",
	"API_PORT":               8080,
	"SHUTDOWN_TIMEOUT":       30 * time.Second,
	"BUILD_KEY_VERSION":      int(buildkey.CurrentVersion()),
	"CONDA_COMMAND":          "conda",
	"CONDA_LOCK_COMMAND":     "conda-lock",
	"ACTION_WORKDIR":         "",
	"ACTION_COMMAND_TIMEOUT": time.Duration(0),
	"LOG_LEVEL":              "info",
	"LOG_FORMAT":             "json",
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/condastore")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from the optional condastore.yaml file and
// environment variables, which take precedence, then validates it.
func Load() (*Config, error) {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return fromViper(v)
}

// LoadFile reads configuration from the given file and environment
// variables.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := decode(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) *Config {
	return &Config{
		DatabaseDriver:  v.GetString("DATABASE_DRIVER"),
		DatabaseDSN:     v.GetString("DATABASE_URL"),
		APIHost:         v.GetString("API_HOST"),
		APIPort:         v.GetInt("API_PORT"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		BuildKeyVersion: v.GetInt("BUILD_KEY_VERSION"),
		Action: ActionConfig{
			CondaCommand:     v.GetString("CONDA_COMMAND"),
			CondaLockCommand: v.GetString("CONDA_LOCK_COMMAND"),
			WorkDir:          v.GetString("ACTION_WORKDIR"),
			CommandTimeout:   v.GetDuration("ACTION_COMMAND_TIMEOUT"),
		},
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}
}

// Validate checks configuration values. An unsupported build key version is
// rejected here so it never reaches the first build.
func (c *Config) Validate() error {
	if _, err := buildkey.New(c.BuildKeyVersion); err != nil {
		return &ConfigurationError{Key: "BUILD_KEY_VERSION", Err: err}
	}
	if c.DatabaseDSN == "" {
		return &ConfigurationError{Key: "DATABASE_URL", Err: errors.New("is required")}
	}
	switch c.DatabaseDriver {
	case "pgx", "postgres", "sqlite":
	default:
		return &ConfigurationError{Key: "DATABASE_DRIVER", Err: fmt.Errorf("unsupported driver %q", c.DatabaseDriver)}
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return &ConfigurationError{Key: "API_PORT", Err: fmt.Errorf("invalid port %d", c.APIPort)}
	}
	if c.Action.CondaCommand == "" {
		return &ConfigurationError{Key: "CONDA_COMMAND", Err: errors.New("is required")}
	}
	if c.Action.CommandTimeout < 0 {
		return &ConfigurationError{Key: "ACTION_COMMAND_TIMEOUT", Err: errors.New("must not be negative")}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return &ConfigurationError{Key: "LOG_LEVEL", Err: err}
	}
	return nil
}

// BuildKeyCodec returns the codec for the configured version.
func (c *Config) BuildKeyCodec() (*buildkey.Codec, error) {
	codec, err := buildkey.New(c.BuildKeyVersion)
	if err != nil {
		return nil, &ConfigurationError{Key: "BUILD_KEY_VERSION", Err: err}
	}
	return codec, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate, useful for testing.
func LoadWithDefaults() *Config {
	return decode(newViper())
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
