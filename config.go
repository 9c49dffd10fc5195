package reqstats

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danweinerdev/go-reqstats/clientpool"
)

// Config represents the poller configuration.
type Config struct {
	Global     GlobalConfig      `toml:"global"`
	LogFile    LogFileConfig     `toml:"log_file"`
	Reconnect  ReconnectConfig   `toml:"reconnect"`
	Servers    map[string]string `toml:"servers"`
	InfluxDB   InfluxDBConfig    `toml:"influxdb"`
	Prometheus PrometheusConfig  `toml:"prometheus"`
	Redis      RedisConfig       `toml:"redis"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	PollInterval Duration `toml:"poll_interval"`
	// CallTimeout bounds each per-server fetch within a tick.
	CallTimeout Duration `toml:"call_timeout"`
	// WriteTimeout bounds the storage write of a tick, including retries.
	WriteTimeout Duration `toml:"write_timeout"`
	// MaxInFlight limits concurrent fetches in a tick. Zero is unlimited.
	MaxInFlight   int      `toml:"max_in_flight"`
	LogLevel      string   `toml:"log_level"`
	RetryAttempts int      `toml:"retry_attempts"`
	RetryDelay    Duration `toml:"retry_delay"`
}

// LogFileConfig enables rotated file logging. An empty Path logs to stderr.
type LogFileConfig struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// ReconnectConfig controls how lost server connections are re-established.
type ReconnectConfig struct {
	InitialDelay Duration `toml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	Factor       float64  `toml:"factor"`
	Jitter       float64  `toml:"jitter"`
	DialTimeout  Duration `toml:"dial_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Token   string `toml:"token"`
	Org     string `toml:"org"`
	Bucket  string `toml:"bucket"`
}

// PrometheusConfig contains Prometheus exporter settings.
type PrometheusConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	Path    string `toml:"path"`
	// Buckets are the duration histogram bucket bounds in seconds. Empty
	// uses the client library defaults.
	Buckets []float64 `toml:"buckets"`
}

// RedisConfig contains Redis stream settings.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Address  string `toml:"address"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Stream   string `toml:"stream"`
	// MaxLen approximately caps the stream length. Zero leaves it unbounded.
	MaxLen int64 `toml:"max_len"`
}

// Duration is a wrapper around time.Duration that supports TOML parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			PollInterval:  Duration{60 * time.Second},
			CallTimeout:   Duration{10 * time.Second},
			WriteTimeout:  Duration{30 * time.Second},
			LogLevel:      "info",
			RetryAttempts: 3,
			RetryDelay:    Duration{1 * time.Second},
		},
		LogFile: LogFileConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: Duration{1 * time.Second},
			MaxDelay:     Duration{5 * time.Minute},
			Factor:       math.E,
			Jitter:       0.12,
			DialTimeout:  Duration{10 * time.Second},
		},
		Servers: map[string]string{},
		Prometheus: PrometheusConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Stream:  "reqstats:endpoint_stats",
		},
	}
}

// Targets returns the configured servers ordered by name.
func (c *Config) Targets() []clientpool.Target {
	targets := make([]clientpool.Target, 0, len(c.Servers))
	for name, addr := range c.Servers {
		targets = append(targets, clientpool.Target{Name: name, Address: addr})
	}
	slices.SortFunc(targets, func(a, b clientpool.Target) int {
		return strings.Compare(a.Name, b.Name)
	})
	return targets
}

// PoolConfig converts the reconnect settings for clientpool.
func (r ReconnectConfig) PoolConfig() clientpool.Config {
	return clientpool.Config{
		InitialDelay: r.InitialDelay.Duration,
		MaxDelay:     r.MaxDelay.Duration,
		Factor:       r.Factor,
		Jitter:       r.Jitter,
		DialTimeout:  r.DialTimeout.Duration,
	}
}

// LoadConfig reads and parses a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := parseConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigFromString parses configuration from a TOML string.
func LoadConfigFromString(data string) (*Config, error) {
	return parseConfig(data)
}

func parseConfig(data string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
