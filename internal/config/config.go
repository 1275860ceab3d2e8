package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig holds scheduler loop settings.
type SchedulerConfig struct {
	// TickSeconds is the scheduler evaluation interval. Default 15.
	TickSeconds int `yaml:"tick_seconds"`
}

// HeartbeatConfig holds periodic heartbeat settings.
type HeartbeatConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	// ActiveHours constrains beats to a local window, "HH:MM-HH:MM". Empty = always active.
	ActiveHours string `yaml:"active_hours"`
	// Timezone is the IANA zone the active-hours window is evaluated in. Empty = host local.
	Timezone string `yaml:"timezone"`
}

// DeliveryConfig holds outbound delivery settings.
type DeliveryConfig struct {
	// RouteTTLHours is how long a recorded route stays usable as a fallback
	// destination. Default 24.
	RouteTTLHours int `yaml:"route_ttl_hours"`
}

// ExecutorConfig describes the subprocess that runs turns.
type ExecutorConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Exporter     string `yaml:"exporter"` // "otlp-http", "stdout", or "none"
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// RunTimeoutSeconds bounds a single run's wall clock. 0 uses default (30m).
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tick=%d|hb=%d|hours=%s|ttl=%d|exec=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.Scheduler.TickSeconds, c.Heartbeat.IntervalMinutes,
		c.Heartbeat.ActiveHours, c.Delivery.RouteTTLHours, c.Executor.Command, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RunTimeout returns the configured run timeout as a duration.
func (c Config) RunTimeout() time.Duration {
	if c.RunTimeoutSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// RouteTTL returns the configured route freshness window as a duration.
func (c Config) RouteTTL() time.Duration {
	if c.Delivery.RouteTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Delivery.RouteTTLHours) * time.Hour
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			TickSeconds: 15,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMinutes: 30,
		},
		Delivery: DeliveryConfig{
			RouteTTLHours: 24,
		},
		RunTimeoutSeconds: int((30 * time.Minute).Seconds()),
	}
}

func HomeDir() string {
	if override := os.Getenv("VALET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".valet")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applying defaults, env overrides
// and normalization. A missing file is not an error; it marks NeedsGenesis.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create valet home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := normalize(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) error {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 15
	}
	if cfg.Heartbeat.IntervalMinutes <= 0 {
		cfg.Heartbeat.IntervalMinutes = 30
	}
	if cfg.Delivery.RouteTTLHours <= 0 {
		cfg.Delivery.RouteTTLHours = 24
	}
	if cfg.RunTimeoutSeconds <= 0 {
		cfg.RunTimeoutSeconds = int((30 * time.Minute).Seconds())
	}
	if hours := strings.TrimSpace(cfg.Heartbeat.ActiveHours); hours != "" {
		if _, _, err := ParseActiveHours(hours); err != nil {
			return fmt.Errorf("heartbeat.active_hours: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Heartbeat.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("heartbeat.timezone: %w", err)
		}
	}
	return nil
}

// ParseActiveHours splits a "HH:MM-HH:MM" window into start and end minutes
// since midnight. The window may cross midnight (start > end).
func ParseActiveHours(window string) (startMin, endMin int, err error) {
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM-HH:MM, got %q", window)
	}
	parse := func(s string) (int, error) {
		t, err := time.Parse("15:04", strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("bad time %q", s)
		}
		return t.Hour()*60 + t.Minute(), nil
	}
	if startMin, err = parse(parts[0]); err != nil {
		return 0, 0, err
	}
	if endMin, err = parse(parts[1]); err != nil {
		return 0, 0, err
	}
	return startMin, endMin, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VALET_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("VALET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("VALET_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.TickSeconds = v
		}
	}
	if raw := os.Getenv("VALET_HEARTBEAT_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Heartbeat.IntervalMinutes = v
		}
	}
	if raw := os.Getenv("VALET_EXECUTOR_COMMAND"); raw != "" {
		cfg.Executor.Command = raw
	}
	if raw := os.Getenv("VALET_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.OTLPEndpoint = raw
	}
}
