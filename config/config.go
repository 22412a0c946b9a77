// Package config loads pixelflow's runtime configuration from a YAML file
// and PIXELFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/meikuraledutech/pixelflow/gemini"
	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverS3       = "s3"
)

// Config holds the configuration for the server binary.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Storage Storage       `mapstructure:"storage"`
	Gemini  gemini.Config `mapstructure:"gemini"`
	Engine  struct {
		StepDelay    time.Duration `mapstructure:"step_delay"`
		RowThreshold float64       `mapstructure:"row_threshold"`
	} `mapstructure:"engine"`
	Autosave struct {
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"autosave"`
}

type Storage struct {
	Driver      string `mapstructure:"driver"`
	BadgerPath  string `mapstructure:"badger_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	S3          struct {
		Bucket string `mapstructure:"bucket"`
		Prefix string `mapstructure:"prefix"`
		Region string `mapstructure:"region"`
	} `mapstructure:"s3"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.driver", DriverBadger)
	v.SetDefault("storage.badger_path", "./data")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "pixelflow")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.flash_model", gemini.DefaultFlashModel)
	v.SetDefault("gemini.pro_model", gemini.DefaultProModel)
	v.SetDefault("gemini.max_attempts", gemini.DefaultMaxAttempts)
	v.SetDefault("gemini.initial_backoff", gemini.DefaultInitialBackoff)
	v.SetDefault("engine.step_delay", 500*time.Millisecond)
	v.SetDefault("engine.row_threshold", 50.0)
	v.SetDefault("autosave.debounce", time.Second)
}

// Load reads path (optional) and the environment. Without a path it looks
// for config.yaml in . and ./config, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIXELFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("pixelflow: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("pixelflow: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected storage driver has what it needs.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverBadger:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("pixelflow: storage.postgres_dsn is required for the postgres driver")
		}
	case DriverS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("pixelflow: storage.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("pixelflow: unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// NewLogger builds a slog.Logger from a level (debug|info|warn|error) and a
// format (text|json).
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
