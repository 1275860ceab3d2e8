// Package doctor runs local diagnostics: home layout, config, state store,
// audit chain, executor binary and gateway bind.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/vervet/valet/internal/audit"
	"github.com/vervet/valet/internal/config"
	"github.com/vervet/valet/internal/persistence"
	"github.com/vervet/valet/internal/policy"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHome,
		checkStore,
		checkPolicy,
		checkAuditChain,
		checkExecutor,
		checkBind,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkHome(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home", Status: "SKIP", Message: "Config missing"}
	}
	info, err := os.Stat(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Home", Status: "FAIL", Message: fmt.Sprintf("Cannot stat %s", cfg.HomeDir), Detail: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Home", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", cfg.HomeDir)}
	}
	probe := filepath.Join(cfg.HomeDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{Name: "Home", Status: "FAIL", Message: "Home directory is not writable", Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Home", Status: "PASS", Message: fmt.Sprintf("%s is writable", cfg.HomeDir)}
}

func checkStore(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State store", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "state"), nil)
	if err != nil {
		return CheckResult{
			Name:    "State store",
			Status:  "FAIL",
			Message: "Cannot open state/valet.db",
			Detail:  err.Error() + " (is another daemon running?)",
		}
	}
	defer store.Close()
	jobs, err := store.ListJobs(true)
	if err != nil {
		return CheckResult{Name: "State store", Status: "FAIL", Message: "Cannot read jobs bucket", Detail: err.Error()}
	}
	return CheckResult{Name: "State store", Status: "PASS", Message: fmt.Sprintf("%d jobs on record", len(jobs))}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	path := policy.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: "policy.yaml does not parse", Detail: err.Error()}
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return CheckResult{Name: "Policy", Status: "WARN", Message: "policy.yaml missing, using default (mode never)"}
	}
	return CheckResult{Name: "Policy", Status: "PASS", Message: fmt.Sprintf("Mode %s (%s)", p.Mode, p.PolicyVersion())}
}

func checkAuditChain(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Audit chain", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, "logs", "audit.jsonl")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Audit chain", Status: "PASS", Message: "No audit log yet"}
	}
	count, err := audit.Verify(path)
	if err != nil {
		return CheckResult{
			Name:    "Audit chain",
			Status:  "FAIL",
			Message: fmt.Sprintf("Chain broken after %d records", count),
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Audit chain", Status: "PASS", Message: fmt.Sprintf("%d records verified", count)}
}

func checkExecutor(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: "SKIP", Message: "Config missing"}
	}
	command := cfg.Executor.Command
	if command == "" {
		return CheckResult{
			Name:    "Executor",
			Status:  "WARN",
			Message: "No executor command configured",
			Detail:  "Set executor.command in config.yaml or VALET_EXECUTOR_COMMAND",
		}
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return CheckResult{Name: "Executor", Status: "FAIL", Message: fmt.Sprintf("%q not found in PATH", command), Detail: err.Error()}
	}
	return CheckResult{Name: "Executor", Status: "PASS", Message: path}
}

func checkBind(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway bind", Status: "SKIP", Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Gateway bind",
			Status:  "WARN",
			Message: fmt.Sprintf("Cannot bind %s", cfg.BindAddr),
			Detail:  err.Error() + " (daemon already running?)",
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Gateway bind", Status: "PASS", Message: cfg.BindAddr}
}
