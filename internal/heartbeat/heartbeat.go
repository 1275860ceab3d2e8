// Package heartbeat runs the periodic main-session check-in turn. A beat
// folds any queued wake items into the prompt; output equal to the sentinel
// is suppressed so quiet beats stay quiet.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/engine"
	"github.com/vervet/valet/internal/persistence"
	"github.com/vervet/valet/internal/shared"
)

// Sentinel is the output a heartbeat turn returns when nothing needs the
// operator's attention. Sentinel output is never delivered.
const Sentinel = "HEARTBEAT_OK"

const defaultPrompt = "This is a scheduled check-in. Review anything pending and respond with " +
	Sentinel + " if there is nothing the operator needs to know."

// Runner launches heartbeat runs. Satisfied by the engine.
type Runner interface {
	StartRun(ctx context.Context, opts engine.StartOptions) (string, error)
	AwaitTerminal(ctx context.Context, runID string, timeout time.Duration) (persistence.Run, error)
}

// Config holds the heartbeat manager's dependencies.
type Config struct {
	Store   *persistence.Store
	Runner  Runner
	Bus     *bus.Bus
	Logger  *slog.Logger
	HomeDir string

	Interval   time.Duration // beat interval; defaults to 30m
	RunTimeout time.Duration // per-beat run bound; defaults to 10m

	// ActiveStartMin/ActiveEndMin bound beats to a daily window in minutes
	// since midnight; the window may cross midnight. Ignored unless
	// WindowSet. Manual wakes bypass the window.
	ActiveStartMin int
	ActiveEndMin   int
	WindowSet      bool
	Location       *time.Location
}

// Manager owns the heartbeat loop.
type Manager struct {
	store   *persistence.Store
	runner  Runner
	bus     *bus.Bus
	logger  *slog.Logger
	homeDir string

	interval   time.Duration
	runTimeout time.Duration
	startMin   int
	endMin     int
	windowSet  bool
	loc        *time.Location

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	nextBeat time.Time
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 10 * time.Minute
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Manager{
		store:      cfg.Store,
		runner:     cfg.Runner,
		bus:        cfg.Bus,
		logger:     logger,
		homeDir:    cfg.HomeDir,
		interval:   interval,
		runTimeout: runTimeout,
		startMin:   cfg.ActiveStartMin,
		endMin:     cfg.ActiveEndMin,
		windowSet:  cfg.WindowSet,
		loc:        loc,
		wake:       make(chan struct{}, 1),
	}
}

// Start begins the heartbeat loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.setNextBeat(time.Now().Add(m.interval))
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("heartbeat started", "interval", m.interval)
}

// Stop cancels the loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("heartbeat stopped")
}

// Wake triggers an immediate beat, bypassing the active-hours window.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// NextBeat returns when the next scheduled beat is due.
func (m *Manager) NextBeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextBeat
}

func (m *Manager) setNextBeat(t time.Time) {
	m.mu.Lock()
	m.nextBeat = t
	m.mu.Unlock()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.setNextBeat(time.Now().Add(m.interval))
			m.beat(ctx, false)
		case <-m.wake:
			// A manual beat restarts the interval.
			ticker.Reset(m.interval)
			m.setNextBeat(time.Now().Add(m.interval))
			m.beat(ctx, true)
		}
	}
}

// inWindow reports whether now falls inside the active-hours window. The
// window may cross midnight (start > end).
func (m *Manager) inWindow(now time.Time) bool {
	if !m.windowSet {
		return true
	}
	local := now.In(m.loc)
	minutes := local.Hour()*60 + local.Minute()
	if m.startMin <= m.endMin {
		return minutes >= m.startMin && minutes < m.endMin
	}
	return minutes >= m.startMin || minutes < m.endMin
}

func (m *Manager) beat(ctx context.Context, manual bool) {
	now := time.Now()
	if !manual && !m.inWindow(now) {
		m.logger.Debug("heartbeat outside active hours, skipping")
		return
	}

	items, err := m.store.DrainWakeQueue()
	if err != nil {
		m.logger.Error("heartbeat: drain wake queue", "error", err)
	}

	runID, err := m.runner.StartRun(ctx, engine.StartOptions{
		SessionID:  shared.MainSessionID,
		Prompt:     m.prompt(items),
		Deliver:    true,
		BestEffort: true,
		SkipOutput: Sentinel,
	})
	if err != nil {
		m.logger.Error("heartbeat: start run", "error", err)
		return
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicHeartbeatBeat, bus.HeartbeatBeatEvent{
			RunID:    runID,
			Queued:   len(items),
			Manual:   manual,
			BeatTime: now.UTC().Format(time.RFC3339),
		})
	}
	m.logger.Info("heartbeat beat", "run_id", runID, "queued", len(items), "manual", manual)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		waitCtx, cancel := context.WithTimeout(context.Background(), m.runTimeout+time.Minute)
		defer cancel()
		run, err := m.runner.AwaitTerminal(waitCtx, runID, m.runTimeout+time.Minute)
		if err != nil {
			m.logger.Error("heartbeat: wait for run", "run_id", runID, "error", err)
			return
		}
		if run.Status != persistence.RunCompleted {
			m.logger.Warn("heartbeat run did not complete", "run_id", runID, "status", run.Status, "error", run.Error)
		}
	}()
}

// prompt builds the beat prompt from workspace/HEARTBEAT.md when present,
// appending any queued wake items.
func (m *Manager) prompt(items []persistence.WakeItem) string {
	base := defaultPrompt
	if m.homeDir != "" {
		if data, err := os.ReadFile(filepath.Join(m.homeDir, "workspace", "HEARTBEAT.md")); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				base = text
			}
		}
	}
	if len(items) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nQueued events since the last beat:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", item.QueuedAt.Format(time.RFC3339), item.Message)
	}
	return b.String()
}
