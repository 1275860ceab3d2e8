package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vervet/valet/internal/bus"
	otelPkg "github.com/vervet/valet/internal/otel"
	"github.com/vervet/valet/internal/persistence"
	"github.com/vervet/valet/internal/shared"
)

var (
	ErrRunNotActive     = errors.New("run is not active")
	ErrRunNotTerminal   = errors.New("run has not ended")
	ErrApprovalTimeout  = errors.New("approval timed out")
	ErrExecutorRequired = errors.New("executor is required")
)

// Config holds the engine's dependencies.
type Config struct {
	Store     *persistence.Store
	Exec      Executor
	Gate      Gate
	Deliverer Deliverer
	Bus       *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer // nil drops spans

	RunTimeout     time.Duration // per-run wall clock bound; defaults to 30m
	InterruptGrace time.Duration // soft-interrupt window before hard cancel; defaults to 10s
}

// StartOptions describes one run to launch.
type StartOptions struct {
	JobID           string
	SessionID       string
	ParentRunID     string
	ParentSessionID string
	Prompt          string
	Delivery        *persistence.DeliverySpec
	BestEffort      bool
	Deliver         bool
	SkipOutput      string // output equal to this sentinel is not delivered
}

type runHandle struct {
	cancel    context.CancelFunc
	turn      Turn
	cancelled bool
}

// Engine executes runs against the executor.
type Engine struct {
	store     *persistence.Store
	exec      Executor
	gate      Gate
	deliverer Deliverer
	bus       *bus.Bus
	logger    *slog.Logger
	tracer    trace.Tracer

	runTimeout     time.Duration
	interruptGrace time.Duration

	mu      sync.Mutex
	handles map[string]*runHandle
	wg      sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	if cfg.Exec == nil {
		return nil, ErrExecutorRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	grace := cfg.InterruptGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Engine{
		store:          cfg.Store,
		exec:           cfg.Exec,
		gate:           cfg.Gate,
		deliverer:      cfg.Deliverer,
		bus:            cfg.Bus,
		logger:         logger,
		tracer:         cfg.Tracer,
		runTimeout:     runTimeout,
		interruptGrace: grace,
		handles:        make(map[string]*runHandle),
	}, nil
}

// StartRun persists a pending run and drives it in a background goroutine.
func (e *Engine) StartRun(ctx context.Context, opts StartOptions) (string, error) {
	runID := shared.NewRunID()
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = "run:" + runID
	}
	run := persistence.Run{
		ID:          runID,
		JobID:       opts.JobID,
		SessionID:   sessionID,
		ParentRunID: opts.ParentRunID,
		Status:      persistence.RunPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateRun(run); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.runTimeout)
	runCtx = shared.WithRunID(shared.WithSessionID(runCtx, sessionID), runID)
	if opts.JobID != "" {
		runCtx = shared.WithJobID(runCtx, opts.JobID)
	}

	e.mu.Lock()
	e.handles[runID] = &runHandle{cancel: cancel}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.drive(runCtx, runID, sessionID, opts)
	return runID, nil
}

// StartJobRun launches a run for a scheduled job.
func (e *Engine) StartJobRun(ctx context.Context, job persistence.Job) (string, error) {
	sessionID := ""
	if job.SessionTarget == shared.MainSessionID {
		sessionID = shared.MainSessionID
	}
	return e.StartRun(ctx, StartOptions{
		JobID:     job.ID,
		SessionID: sessionID,
		Prompt:    job.Payload.Message,
		Delivery:  job.Delivery,
		Deliver:   true,
	})
}

// ResumeRun starts a new run continuing a finished run's session.
func (e *Engine) ResumeRun(ctx context.Context, runID, prompt string) (string, error) {
	parent, err := e.store.GetRun(runID)
	if err != nil {
		return "", err
	}
	if !persistence.TerminalStatus(parent.Status) {
		return "", ErrRunNotTerminal
	}
	return e.StartRun(ctx, StartOptions{
		JobID:       parent.JobID,
		SessionID:   parent.SessionID,
		ParentRunID: parent.ID,
		Prompt:      prompt,
		Deliver:     true,
	})
}

// ForkRun starts a new run in a fresh session seeded from a finished run's
// session context.
func (e *Engine) ForkRun(ctx context.Context, runID, prompt string) (string, error) {
	parent, err := e.store.GetRun(runID)
	if err != nil {
		return "", err
	}
	if !persistence.TerminalStatus(parent.Status) {
		return "", ErrRunNotTerminal
	}
	return e.StartRun(ctx, StartOptions{
		JobID:           parent.JobID,
		SessionID:       "fork:" + parent.ID,
		ParentRunID:     parent.ID,
		ParentSessionID: parent.SessionID,
		Prompt:          prompt,
		Deliver:         true,
	})
}

// CancelRun interrupts an active run. The executor gets the interrupt grace
// window to wind down before the run context is cancelled outright.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	handle, ok := e.handles[runID]
	if ok {
		handle.cancelled = true
	}
	e.mu.Unlock()
	if !ok {
		// Not active in this process; reject unless the stored run is live.
		run, err := e.store.GetRun(runID)
		if err != nil {
			return err
		}
		if persistence.TerminalStatus(run.Status) {
			return ErrRunNotActive
		}
		_, err = e.store.TransitionRun(runID, persistence.RunCancelled, nil)
		return err
	}

	if handle.turn != nil {
		if err := handle.turn.Interrupt(ctx); err != nil {
			e.logger.Warn("interrupt turn", "run_id", runID, "error", err)
		}
	}
	grace := handle.cancel
	time.AfterFunc(e.interruptGrace, grace)
	return nil
}

// drive owns a run from pending to a terminal status.
func (e *Engine) drive(ctx context.Context, runID, sessionID string, opts StartOptions) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.handles, runID)
		e.mu.Unlock()
	}()

	ctx, span := otelPkg.StartSpan(ctx, e.tracer, "run.execute",
		otelPkg.AttrRunID.String(runID),
		otelPkg.AttrSessionID.String(sessionID),
	)
	defer span.End()
	if opts.JobID != "" {
		span.SetAttributes(otelPkg.AttrJobID.String(opts.JobID))
	}

	if _, err := e.store.TransitionRun(runID, persistence.RunRunning, nil); err != nil {
		e.logger.Error("run start transition", "run_id", runID, "error", err)
		return
	}

	turn, err := e.exec.Start(ctx, TurnRequest{
		SessionID:       sessionID,
		ParentSessionID: opts.ParentSessionID,
		Prompt:          opts.Prompt,
	})
	if err != nil {
		e.failRun(runID, fmt.Sprintf("start turn: %v", err))
		return
	}
	defer turn.Close()

	e.mu.Lock()
	if handle, ok := e.handles[runID]; ok {
		handle.turn = turn
	}
	e.mu.Unlock()

	var output string
	for {
		select {
		case <-ctx.Done():
			e.endInterrupted(runID)
			return
		case ev, ok := <-turn.Events():
			if !ok {
				e.endInterrupted(runID)
				return
			}
			switch ev.Kind {
			case EventMessage:
				e.appendEvent(runID, EventMessage, map[string]string{"text": ev.Text})
				output = ev.Text
			case EventActionRequest, EventInputRequest:
				if ev.Request == nil {
					continue
				}
				if !e.handleGated(ctx, runID, turn, *ev.Request) {
					return
				}
			case EventCompleted:
				if ev.Text != "" {
					output = ev.Text
				}
				e.appendEvent(runID, EventCompleted, map[string]string{"text": output})
				e.completeRun(ctx, runID, output, opts)
				return
			case EventError:
				e.appendEvent(runID, EventError, map[string]string{"error": ev.Err})
				e.failRun(runID, ev.Err)
				return
			}
		}
	}
}

// handleGated pauses the run on a gated action, asks the gate for a decision
// and resumes. Returns false when the run has ended.
func (e *Engine) handleGated(ctx context.Context, runID string, turn Turn, req ActionRequest) bool {
	e.appendEvent(runID, EventActionRequest, req)
	if _, err := e.store.TransitionRun(runID, persistence.RunAwaitingApproval, nil); err != nil {
		e.logger.Error("run pause transition", "run_id", runID, "error", err)
	}

	if e.gate == nil {
		e.failRun(runID, "gated action with no approval broker")
		return false
	}
	decision, err := e.gate.Request(ctx, runID, req)
	if err != nil {
		_ = turn.Interrupt(ctx)
		e.mu.Lock()
		handle := e.handles[runID]
		cancelled := handle != nil && handle.cancelled
		e.mu.Unlock()
		if cancelled {
			e.appendEvent(runID, "approval_cancelled", map[string]string{"request_id": req.ID})
			if _, terr := e.store.TransitionRun(runID, persistence.RunCancelled, nil); terr != nil &&
				!errors.Is(terr, persistence.ErrBadTransition) {
				e.logger.Error("run cancel transition", "run_id", runID, "error", terr)
			}
			return false
		}
		e.appendEvent(runID, "approval_timeout", map[string]string{"request_id": req.ID})
		e.failRun(runID, fmt.Sprintf("gated action %s: %v", req.ID, err))
		return false
	}
	e.appendEvent(runID, "approval_resolved", map[string]interface{}{
		"request_id": req.ID,
		"decision":   decision.Decision,
		"auto":       decision.Auto,
	})
	if decision.Decision == DecisionCancel {
		_ = turn.Interrupt(ctx)
		_, _ = e.store.TransitionRun(runID, persistence.RunCancelled, nil)
		return false
	}

	if _, err := e.store.TransitionRun(runID, persistence.RunRunning, nil); err != nil {
		e.logger.Error("run resume transition", "run_id", runID, "error", err)
	}
	if err := turn.Respond(ctx, req.ID, TurnResponse{
		Decision: decision.Decision,
		Answers:  decision.Answers,
	}); err != nil {
		e.failRun(runID, fmt.Sprintf("respond to %s: %v", req.ID, err))
		return false
	}
	return true
}

func (e *Engine) completeRun(ctx context.Context, runID, output string, opts StartOptions) {
	run, err := e.store.TransitionRun(runID, persistence.RunCompleted, func(r *persistence.Run) {
		r.Output = output
	})
	if err != nil {
		e.logger.Error("run complete transition", "run_id", runID, "error", err)
		return
	}
	if !opts.Deliver || e.deliverer == nil {
		return
	}
	if opts.SkipOutput != "" && strings.TrimSpace(output) == opts.SkipOutput {
		e.logger.Debug("run output suppressed", "run_id", runID)
		return
	}
	if err := e.deliverer.DeliverRunOutput(ctx, run, opts.Delivery, opts.BestEffort); err != nil {
		e.logger.Warn("deliver run output", "run_id", runID, "error", err)
	}
}

func (e *Engine) failRun(runID, reason string) {
	if _, err := e.store.TransitionRun(runID, persistence.RunFailed, func(r *persistence.Run) {
		r.Error = reason
	}); err != nil && !errors.Is(err, persistence.ErrBadTransition) {
		e.logger.Error("run fail transition", "run_id", runID, "error", err)
	}
}

// endInterrupted ends a run whose context closed or whose event stream ended
// early: cancelled when an operator asked for it, failed otherwise.
func (e *Engine) endInterrupted(runID string) {
	e.mu.Lock()
	handle := e.handles[runID]
	cancelled := handle != nil && handle.cancelled
	e.mu.Unlock()

	if cancelled {
		if _, err := e.store.TransitionRun(runID, persistence.RunCancelled, nil); err != nil &&
			!errors.Is(err, persistence.ErrBadTransition) {
			e.logger.Error("run cancel transition", "run_id", runID, "error", err)
		}
		return
	}
	e.failRun(runID, "run timed out or executor stream ended")
}

func (e *Engine) appendEvent(runID, kind string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("marshal run event", "run_id", runID, "kind", kind, "error", err)
		return
	}
	if _, err := e.store.AppendRunEvent(runID, kind, data); err != nil {
		e.logger.Error("append run event", "run_id", runID, "kind", kind, "error", err)
	}
}

// AwaitTerminal blocks until the run reaches a terminal status or the timeout
// expires. It subscribes before checking the store so no transition is missed.
func (e *Engine) AwaitTerminal(ctx context.Context, runID string, timeout time.Duration) (persistence.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var sub *bus.Subscription
	if e.bus != nil {
		sub = e.bus.Subscribe(bus.TopicRunStateChanged)
		defer e.bus.Unsubscribe(sub)
	}

	check := func() (persistence.Run, bool, error) {
		run, err := e.store.GetRun(runID)
		if err != nil {
			return persistence.Run{}, false, err
		}
		return run, persistence.TerminalStatus(run.Status), nil
	}

	if run, done, err := check(); err != nil || done {
		return run, err
	}

	// Poll as a fallback; events keep latency low.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var events <-chan bus.Event
	if sub != nil {
		events = sub.Ch()
	}
	for {
		select {
		case <-ctx.Done():
			return persistence.Run{}, fmt.Errorf("wait for run %s: %w", runID, ctx.Err())
		case <-ticker.C:
			if run, done, err := check(); err != nil || done {
				return run, err
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if changed, isChange := ev.Payload.(bus.RunStateChangedEvent); isChange && changed.RunID == runID {
				if run, done, err := check(); err != nil || done {
					return run, err
				}
			}
		}
	}
}

// ActiveRuns returns the IDs of runs this engine is currently driving.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.handles))
	for id := range e.handles {
		ids = append(ids, id)
	}
	return ids
}

// Drain waits for in-flight runs to finish.
func (e *Engine) Drain() {
	e.wg.Wait()
}
