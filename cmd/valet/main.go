package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/vervet/valet/internal/approval"
	"github.com/vervet/valet/internal/audit"
	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/channels"
	"github.com/vervet/valet/internal/config"
	"github.com/vervet/valet/internal/cron"
	"github.com/vervet/valet/internal/delivery"
	"github.com/vervet/valet/internal/engine"
	"github.com/vervet/valet/internal/gateway"
	"github.com/vervet/valet/internal/heartbeat"
	otelPkg "github.com/vervet/valet/internal/otel"
	"github.com/vervet/valet/internal/persistence"
	"github.com/vervet/valet/internal/policy"
	"github.com/vervet/valet/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the scheduler daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s wake                     Trigger a heartbeat beat now
  %s verify-audit             Verify the audit log hash chain

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  VALET_HOME              Data directory (default: ~/.valet)
  VALET_BIND_ADDR         Gateway bind address (default: 127.0.0.1:18790)
  VALET_EXECUTOR_COMMAND  Turn executor binary
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "wake":
			os.Exit(runWakeCommand(ctx, args[1:]))
		case "verify-audit":
			os.Exit(runVerifyAuditCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	quietLogs := *quiet

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger failures are audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		logger.Info("config.yaml missing, running on defaults", "home", cfg.HomeDir)
	}
	if host, _, splitErr := net.SplitHostPort(cfg.BindAddr); splitErr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	workspaceDir := filepath.Join(cfg.HomeDir, "workspace")
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "state"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened")

	recovered, err := store.RecoverStaleRuns()
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "runs_failed", recovered)

	policyPath := policy.PolicyPath(cfg.HomeDir)
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "mode", polData.Mode, "policy_version", pol.PolicyVersion())

	broker := approval.NewBroker(approval.Config{
		Store:  store,
		Bus:    eventBus,
		Policy: pol,
		Logger: logger,
	})

	registry := channels.NewRegistry()
	if err := registry.Register(channels.NewOutbox(cfg.HomeDir)); err != nil {
		fatalStartup(logger, "E_CHANNEL_REGISTER", err)
	}

	router := delivery.NewRouter(delivery.Config{
		Store:    store,
		Registry: registry,
		Bus:      eventBus,
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
		RouteTTL: cfg.RouteTTL(),
	})

	exec := &engine.StdioExecutor{
		Command: cfg.Executor.Command,
		Args:    cfg.Executor.Args,
		Env:     cfg.Executor.Env,
		Logger:  logger,
	}

	eng, err := engine.New(engine.Config{
		Store:      store,
		Exec:       exec,
		Gate:       broker,
		Deliverer:  router,
		Bus:        eventBus,
		Logger:     logger,
		Tracer:     otelProvider.Tracer,
		RunTimeout: cfg.RunTimeout(),
	})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}

	jobs := cron.NewService(cron.Config{
		Store:         store,
		Launcher:      eng,
		Bus:           eventBus,
		Logger:        logger,
		PolicyVersion: pol.PolicyVersion,
		Tick:          time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		RunTimeout:    cfg.RunTimeout(),
	})

	sched := cron.NewScheduler(jobs, time.Duration(cfg.Scheduler.TickSeconds)*time.Second)
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "tick_seconds", cfg.Scheduler.TickSeconds)

	hbCfg := heartbeat.Config{
		Store:      store,
		Runner:     eng,
		Bus:        eventBus,
		Logger:     logger,
		HomeDir:    cfg.HomeDir,
		Interval:   time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute,
		RunTimeout: cfg.RunTimeout(),
	}
	if cfg.Heartbeat.ActiveHours != "" {
		startMin, endMin, err := config.ParseActiveHours(cfg.Heartbeat.ActiveHours)
		if err != nil {
			fatalStartup(logger, "E_HEARTBEAT_WINDOW", err)
		}
		hbCfg.ActiveStartMin = startMin
		hbCfg.ActiveEndMin = endMin
		hbCfg.WindowSet = true
	}
	if cfg.Heartbeat.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Heartbeat.Timezone)
		if err != nil {
			fatalStartup(logger, "E_HEARTBEAT_TIMEZONE", err)
		}
		hbCfg.Location = loc
	}
	hb := heartbeat.NewManager(hbCfg)
	hb.Start(ctx)
	defer hb.Stop()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	otelPkg.StartBusMetrics(ctx, eventBus, metrics)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher start failed, hot-reload disabled", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				switch filepath.Base(ev.Path) {
				case "policy.yaml":
					if err := policy.ReloadFromFile(pol, ev.Path); err != nil {
						logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
					} else {
						logger.Info("policy.yaml hot-reloaded", "policy_version", pol.PolicyVersion())
					}
				case "HEARTBEAT.md":
					logger.Info("HEARTBEAT.md changed, next beat picks it up")
				case "config.yaml":
					logger.Info("config.yaml changed, restart to apply")
				}
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Jobs:              jobs,
		Engine:            eng,
		Broker:            broker,
		Router:            router,
		Heartbeat:         hb,
		Bus:               eventBus,
		Policy:            pol,
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		StartedAt:         time.Now().UTC(),
		Version:           Version,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	audit.Record("daemon.start", "daemon", "allow", "", pol.PolicyVersion())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain in dependency order. Store close and
	// audit close run via defers after everything quiesces.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	hb.Stop()
	eng.Drain()
	jobs.Drain()
	audit.Record("daemon.stop", "daemon", "allow", "", pol.PolicyVersion())
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("startup.fatal", "daemon", reasonCode, message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"daemon","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
