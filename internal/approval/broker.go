package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vervet/valet/internal/audit"
	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/engine"
	"github.com/vervet/valet/internal/persistence"
	"github.com/vervet/valet/internal/policy"
)

var (
	ErrNotPending      = errors.New("approval is not pending")
	ErrInvalidPhrase   = errors.New("confirmation phrase required for high-risk actions")
	ErrInvalidDecision = errors.New("invalid decision")
)

type pendingRequest struct {
	record   persistence.Approval
	highRisk bool
	isInput  bool
	done     chan engine.GateDecision
}

// Config holds the broker's dependencies.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Policy *policy.LivePolicy
	Logger *slog.Logger
}

// Broker implements engine.Gate.
type Broker struct {
	store  *persistence.Store
	bus    *bus.Bus
	policy *policy.LivePolicy
	logger *slog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingRequest
	failedRuns map[string]bool // runs with a failed or declined gated action
}

func NewBroker(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:      cfg.Store,
		bus:        cfg.Bus,
		policy:     cfg.Policy,
		logger:     logger,
		pending:    make(map[string]*pendingRequest),
		failedRuns: make(map[string]bool),
	}
}

func (b *Broker) snapshot() policy.Policy {
	if b.policy == nil {
		return policy.Default()
	}
	return b.policy.Snapshot()
}

func (b *Broker) policyVersion() string {
	if b.policy == nil {
		return policy.Default().PolicyVersion()
	}
	return b.policy.PolicyVersion()
}

// Request persists a gated action and blocks until it is resolved, the
// timeout passes or the caller's context closes. Implements engine.Gate.
func (b *Broker) Request(ctx context.Context, runID string, req engine.ActionRequest) (engine.GateDecision, error) {
	pol := b.snapshot()
	highRisk := HighRisk(req)
	isInput := req.Kind == engine.ActionInput

	record := persistence.Approval{
		ID:        uuid.NewString(),
		RunID:     runID,
		Kind:      req.Kind,
		HighRisk:  highRisk,
		Request:   describeRequest(req),
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	runHadFailure := b.failedRuns[runID]
	b.mu.Unlock()

	if decision, auto := autoDecision(pol, req, runHadFailure); auto {
		now := time.Now().UTC()
		record.Decision = decision
		record.AutoResolved = true
		record.ResolvedAt = &now
		if err := b.store.PutApproval(record); err != nil {
			return engine.GateDecision{}, err
		}
		audit.Record("approval."+req.Kind, record.ID, decision, "auto-resolved by policy "+pol.Mode, b.policyVersion())
		b.publishResolved(record)
		return engine.GateDecision{Decision: decision, Auto: true}, nil
	}

	if err := b.store.PutApproval(record); err != nil {
		return engine.GateDecision{}, err
	}
	pr := &pendingRequest{
		record:   record,
		highRisk: highRisk,
		isInput:  isInput,
		done:     make(chan engine.GateDecision, 1),
	}
	b.mu.Lock()
	b.pending[record.ID] = pr
	b.mu.Unlock()

	if isInput {
		if b.bus != nil {
			b.bus.Publish(bus.TopicInputRequested, bus.InputRequestedEvent{
				RequestID: record.ID,
				RunID:     runID,
				Questions: req.Questions,
			})
		}
	} else if b.bus != nil {
		b.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
			ApprovalID: record.ID,
			RunID:      runID,
			Kind:       req.Kind,
			HighRisk:   highRisk,
		})
	}
	b.logger.Info("approval requested",
		"approval_id", record.ID, "run_id", runID, "kind", req.Kind, "high_risk", highRisk)

	var timeout <-chan time.Time
	if pol.ApprovalTimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(pol.ApprovalTimeoutSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case decision := <-pr.done:
		return decision, nil
	case <-timeout:
		b.expire(record.ID, runID, "timed-out", "no decision before timeout")
		return engine.GateDecision{}, engine.ErrApprovalTimeout
	case <-ctx.Done():
		b.expire(record.ID, runID, "cancelled", "run cancelled before decision")
		return engine.GateDecision{}, ctx.Err()
	}
}

// expire closes out an unanswered request: timed-out when the approval window
// passed, cancelled when the requesting run went away first.
func (b *Broker) expire(approvalID, runID, decision, reason string) {
	b.mu.Lock()
	pr, ok := b.pending[approvalID]
	if ok {
		delete(b.pending, approvalID)
		b.failedRuns[runID] = true
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	now := time.Now().UTC()
	pr.record.Decision = decision
	pr.record.ResolvedAt = &now
	if err := b.store.PutApproval(pr.record); err != nil {
		b.logger.Error("persist expired approval", "approval_id", approvalID, "error", err)
	}
	audit.Record("approval."+pr.record.Kind, approvalID, decision, reason, b.policyVersion())
	b.publishResolved(pr.record)
}

// Resolve answers a pending approval. Accepting a high-risk action requires
// the policy's confirmation phrase; a wrong phrase leaves it pending.
func (b *Broker) Resolve(approvalID, decision, reason, phrase string) error {
	if decision != engine.DecisionAccept && decision != engine.DecisionDecline {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	b.mu.Lock()
	pr, ok := b.pending[approvalID]
	if !ok || pr.isInput {
		b.mu.Unlock()
		return ErrNotPending
	}
	if pr.highRisk && decision == engine.DecisionAccept {
		want := b.snapshot().ConfirmationPhrase
		if want == "" || strings.TrimSpace(phrase) != want {
			b.mu.Unlock()
			audit.Record("approval."+pr.record.Kind, approvalID, "deny", "confirmation phrase mismatch", b.policyVersion())
			return ErrInvalidPhrase
		}
	}
	delete(b.pending, approvalID)
	if decision == engine.DecisionDecline {
		b.failedRuns[pr.record.RunID] = true
	}
	b.mu.Unlock()

	now := time.Now().UTC()
	pr.record.Decision = decision
	pr.record.Reason = reason
	pr.record.ResolvedAt = &now
	if err := b.store.PutApproval(pr.record); err != nil {
		return err
	}
	audit.Record("approval."+pr.record.Kind, approvalID, decision, reason, b.policyVersion())
	b.publishResolved(pr.record)

	pr.done <- engine.GateDecision{Decision: decision}
	return nil
}

// SubmitInput answers a pending input request with answers, or skips or
// cancels it.
func (b *Broker) SubmitInput(requestID, decision string, answers map[string]string) error {
	switch decision {
	case engine.DecisionSubmit, engine.DecisionSkip, engine.DecisionCancel:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	b.mu.Lock()
	pr, ok := b.pending[requestID]
	if !ok || !pr.isInput {
		b.mu.Unlock()
		return ErrNotPending
	}
	delete(b.pending, requestID)
	b.mu.Unlock()

	now := time.Now().UTC()
	pr.record.Decision = decision
	pr.record.Answers = answers
	pr.record.ResolvedAt = &now
	if err := b.store.PutApproval(pr.record); err != nil {
		return err
	}
	audit.Record("input", requestID, decision, "", b.policyVersion())
	b.publishResolved(pr.record)

	pr.done <- engine.GateDecision{Decision: decision, Answers: answers}
	return nil
}

// ListPending returns unresolved requests, oldest first.
func (b *Broker) ListPending() []persistence.Approval {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]persistence.Approval, 0, len(b.pending))
	for _, pr := range b.pending {
		out = append(out, pr.record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Broker) publishResolved(record persistence.Approval) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(bus.TopicApprovalResolved, bus.ApprovalEvent{
		ApprovalID: record.ID,
		RunID:      record.RunID,
		Kind:       record.Kind,
		HighRisk:   record.HighRisk,
		Decision:   record.Decision,
	})
}

func describeRequest(req engine.ActionRequest) string {
	switch {
	case req.Command != "":
		return req.Command
	case req.Path != "":
		return req.Operation + " " + req.Path
	case len(req.Questions) > 0:
		return strings.Join(req.Questions, "; ")
	}
	return req.Detail
}
