// Package config loads server settings from defaults, an optional .env file
// and FEES_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "FEES"

type Config struct {
	Port     int
	Timezone string
	DB       DBConfig
	Window   WindowConfig
	Log      LogConfig
	CORS     CORSConfig
	Dues     DuesConfig
}

type DBConfig struct {
	Driver string // sqlite or postgres
	Path   string // sqlite file, ":memory:" allowed
	DSN    string // postgres connection string
}

// WindowConfig sets the default calendar window around the current year.
type WindowConfig struct {
	YearsBefore int
	YearsAfter  int
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

type CORSConfig struct {
	Origins []string
}

type DuesConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Load reads configuration. envFile is loaded when it exists; variables
// already present in the environment take precedence over it.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", envFile, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetDefault("port", 8080)
	v.SetDefault("timezone", "UTC")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "./fees.db")
	v.SetDefault("db.dsn", "")
	v.SetDefault("window.years_before", 1)
	v.SetDefault("window.years_after", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cors.origins", []string{"*"})
	v.SetDefault("dues.enabled", true)
	v.SetDefault("dues.interval", time.Hour)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Port:     v.GetInt("port"),
		Timezone: v.GetString("timezone"),
		DB: DBConfig{
			Driver: strings.ToLower(v.GetString("db.driver")),
			Path:   v.GetString("db.path"),
			DSN:    v.GetString("db.dsn"),
		},
		Window: WindowConfig{
			YearsBefore: v.GetInt("window.years_before"),
			YearsAfter:  v.GetInt("window.years_after"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		CORS: CORSConfig{Origins: splitList(v.Get("cors.origins"))},
		Dues: DuesConfig{
			Enabled:  v.GetBool("dues.enabled"),
			Interval: v.GetDuration("dues.interval"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("config: db.path is required for sqlite")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("config: db.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown db.driver %q", c.DB.Driver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Window.YearsBefore < 0 || c.Window.YearsAfter < 0 {
		return fmt.Errorf("config: window years must not be negative")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	if c.Dues.Enabled && c.Dues.Interval <= 0 {
		return fmt.Errorf("config: dues.interval must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone. "now" is converted to it before deciding
// which fees month is current.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SlogLevel maps Log.Level to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger from Log.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// splitList accepts a slice default or a comma separated env value. Viper
// may already have split the env value on whitespace.
func splitList(raw any) []string {
	var joined string
	switch v := raw.(type) {
	case []string:
		joined = strings.Join(v, ",")
	case string:
		joined = v
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
