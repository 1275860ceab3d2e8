package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("missing config.yaml should set NeedsGenesis")
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.Scheduler.TickSeconds != 15 {
		t.Fatalf("tick = %d, want 15", cfg.Scheduler.TickSeconds)
	}
	if cfg.Heartbeat.IntervalMinutes != 30 {
		t.Fatalf("heartbeat interval = %d, want 30", cfg.Heartbeat.IntervalMinutes)
	}
	if cfg.RouteTTL() != 24*time.Hour {
		t.Fatalf("route ttl = %v, want 24h", cfg.RouteTTL())
	}
	if cfg.RunTimeout() != 30*time.Minute {
		t.Fatalf("run timeout = %v, want 30m", cfg.RunTimeout())
	}
}

func TestLoadFrom_YAMLAndNormalize(t *testing.T) {
	home := t.TempDir()
	raw := `
bind_addr: "127.0.0.1:9999"
log_level: debug
scheduler:
  tick_seconds: 5
heartbeat:
  interval_minutes: 10
  active_hours: "22:00-06:00"
  timezone: "America/New_York"
executor:
  command: fake-agent
  args: ["--stdio"]
run_timeout_seconds: 60
`
	if err := os.WriteFile(ConfigPath(home), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis set with config.yaml present")
	}
	if cfg.BindAddr != "127.0.0.1:9999" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Scheduler.TickSeconds != 5 {
		t.Fatalf("tick = %d", cfg.Scheduler.TickSeconds)
	}
	if cfg.Executor.Command != "fake-agent" || len(cfg.Executor.Args) != 1 {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
	if cfg.RunTimeout() != time.Minute {
		t.Fatalf("run timeout = %v", cfg.RunTimeout())
	}
}

func TestLoadFrom_RejectsBadActiveHours(t *testing.T) {
	home := t.TempDir()
	raw := "heartbeat:\n  active_hours: \"9am-5pm\"\n"
	if err := os.WriteFile(ConfigPath(home), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected error for bad active_hours")
	}
}

func TestLoadFrom_RejectsBadTimezone(t *testing.T) {
	home := t.TempDir()
	raw := "heartbeat:\n  timezone: \"Mars/Olympus\"\n"
	if err := os.WriteFile(ConfigPath(home), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected error for bad timezone")
	}
}

func TestEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VALET_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("VALET_TICK_SECONDS", "3")
	t.Setenv("VALET_EXECUTOR_COMMAND", "env-agent")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.Scheduler.TickSeconds != 3 {
		t.Fatalf("tick = %d", cfg.Scheduler.TickSeconds)
	}
	if cfg.Executor.Command != "env-agent" {
		t.Fatalf("executor command = %q", cfg.Executor.Command)
	}
}

func TestParseActiveHours(t *testing.T) {
	start, end, err := ParseActiveHours("08:30-17:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if start != 8*60+30 || end != 17*60 {
		t.Fatalf("window = %d-%d", start, end)
	}

	// Crossing midnight is allowed.
	start, end, err = ParseActiveHours("22:00-06:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if start != 22*60 || end != 6*60 {
		t.Fatalf("window = %d-%d", start, end)
	}

	for _, bad := range []string{"", "08:00", "8-17", "25:00-26:00"} {
		if _, _, err := ParseActiveHours(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFingerprint_Stable(t *testing.T) {
	home := t.TempDir()
	cfg1, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	cfg2, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg1.Fingerprint() != cfg2.Fingerprint() {
		t.Fatal("fingerprint should be stable across loads")
	}
	cfg2.BindAddr = "0.0.0.0:1"
	if cfg1.Fingerprint() == cfg2.Fingerprint() {
		t.Fatal("fingerprint should change with bind addr")
	}
}

func TestHomeDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VALET_HOME", dir)
	if got := HomeDir(); got != dir {
		t.Fatalf("home = %q, want %q", got, dir)
	}
}

func TestConfigPath(t *testing.T) {
	if got := ConfigPath("/tmp/x"); got != filepath.Join("/tmp/x", "config.yaml") {
		t.Fatalf("path = %q", got)
	}
}
