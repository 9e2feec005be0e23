// Package config loads broker settings. Values are layered: built-in
// defaults, then an optional YAML file, then CONDUIT_* environment
// variables, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/conduit/internal/logging"
)

// EnvPrefix prefixes every environment variable the broker reads.
const EnvPrefix = "CONDUIT_"

// Config is the broker configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// BufferSize is the relay chunk size in bytes.
	BufferSize int `yaml:"buffer_size"`

	// IDLength is the length of generated share and stream ids.
	IDLength int `yaml:"id_length"`

	// FlushBytes is how many relayed bytes may sit in the response buffer
	// before it is flushed to the downloader.
	FlushBytes int `yaml:"flush_bytes"`

	// WaitTimeout bounds how long a downloader waits for an uploader.
	// Zero waits forever.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// StatsInterval is the period of the telemetry summary log. Zero
	// disables it.
	StatsInterval time.Duration `yaml:"stats_interval"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// AllowedOrigins lists origins accepted for CORS and websocket
	// upgrades. Empty or "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Log LogConfig `yaml:"log"`
}

// HeartbeatConfig tunes share expiry.
type HeartbeatConfig struct {
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	StaleTimeout       time.Duration `yaml:"stale_timeout"`
	InitialGracePeriod time.Duration `yaml:"initial_grace_period"`
}

// RateLimitConfig limits share creation and downloads per client IP.
type RateLimitConfig struct {
	// PerMinute of zero disables rate limiting.
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:        ":8080",
		BufferSize:    8192,
		IDLength:      6,
		FlushBytes:    64 * 1024,
		WaitTimeout:   5 * time.Minute,
		StatsInterval: time.Hour,
		Heartbeat: HeartbeatConfig{
			SweepInterval:      60 * time.Second,
			StaleTimeout:       120 * time.Second,
			InitialGracePeriod: 180 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
			Burst:     20,
		},
		Log: LogConfig{
			Format: logging.FormatPretty,
			Level:  "info",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// keys lists the settings that can be overridden by name.
var keys = []string{
	"listen",
	"buffer_size",
	"id_length",
	"flush_bytes",
	"wait_timeout",
	"stats_interval",
	"sweep_interval",
	"stale_timeout",
	"grace_period",
	"rate_limit",
	"rate_burst",
	"allowed_origins",
	"log_format",
	"log_level",
}

// Keys returns the names accepted by Set.
func Keys() []string {
	return append([]string(nil), keys...)
}

// ApplyEnv overrides settings from CONDUIT_<KEY> variables. PORT is also
// honoured for platforms that assign the listen port.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if port, ok := lookup("PORT"); ok && port != "" {
		c.Listen = ":" + port
	}
	for _, key := range keys {
		name := EnvPrefix + strings.ToUpper(key)
		if v, ok := lookup(name); ok {
			if err := c.Set(key, v); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

// Set assigns one setting from its string form. Dashes in key are treated
// as underscores so flag names can be passed directly.
func (c *Config) Set(key, value string) error {
	value = strings.TrimSpace(value)
	var err error
	switch strings.ReplaceAll(key, "-", "_") {
	case "listen":
		c.Listen = value
	case "buffer_size":
		c.BufferSize, err = strconv.Atoi(value)
	case "id_length":
		c.IDLength, err = strconv.Atoi(value)
	case "flush_bytes":
		c.FlushBytes, err = strconv.Atoi(value)
	case "wait_timeout":
		c.WaitTimeout, err = time.ParseDuration(value)
	case "stats_interval":
		c.StatsInterval, err = time.ParseDuration(value)
	case "sweep_interval":
		c.Heartbeat.SweepInterval, err = time.ParseDuration(value)
	case "stale_timeout":
		c.Heartbeat.StaleTimeout, err = time.ParseDuration(value)
	case "grace_period":
		c.Heartbeat.InitialGracePeriod, err = time.ParseDuration(value)
	case "rate_limit":
		c.RateLimit.PerMinute, err = strconv.Atoi(value)
	case "rate_burst":
		c.RateLimit.Burst, err = strconv.Atoi(value)
	case "allowed_origins":
		c.AllowedOrigins = splitList(value)
	case "log_format":
		c.Log.Format = value
	case "log_level":
		c.Log.Level = value
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the broker cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Listen != "", "listen address is required")
	check(c.BufferSize > 0, "buffer_size must be positive, got %d", c.BufferSize)
	check(c.IDLength >= 4 && c.IDLength <= 64, "id_length must be between 4 and 64, got %d", c.IDLength)
	check(c.FlushBytes > 0, "flush_bytes must be positive, got %d", c.FlushBytes)
	check(c.WaitTimeout >= 0, "wait_timeout must not be negative")
	check(c.StatsInterval >= 0, "stats_interval must not be negative")
	check(c.Heartbeat.SweepInterval > 0, "heartbeat.sweep_interval must be positive")
	check(c.Heartbeat.StaleTimeout > 0, "heartbeat.stale_timeout must be positive")
	check(c.Heartbeat.InitialGracePeriod > 0, "heartbeat.initial_grace_period must be positive")
	check(c.RateLimit.PerMinute >= 0, "rate_limit.per_minute must not be negative")
	check(c.RateLimit.Burst >= 0, "rate_limit.burst must not be negative")

	if _, err := logging.New(logging.Options{Format: c.Log.Format, Level: c.Log.Level, Out: io.Discard}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
