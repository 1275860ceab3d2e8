package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/engine"
	"github.com/vervet/valet/internal/persistence"
	"github.com/vervet/valet/internal/policy"
)

func newTestBroker(t *testing.T, pol policy.Policy) (*Broker, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(t.TempDir(), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	broker := NewBroker(Config{
		Store:  store,
		Policy: policy.NewLivePolicy(pol, ""),
	})
	return broker, store
}

func commandAction(id, command string) engine.ActionRequest {
	return engine.ActionRequest{ID: id, Kind: engine.ActionCommandExecution, Command: command}
}

func TestHighRisk(t *testing.T) {
	risky := []engine.ActionRequest{
		commandAction("a", "rm -rf /tmp/scratch"),
		commandAction("b", "ls; rm old.log"),
		commandAction("c", "mv data.db data.db.bak"),
		{Kind: engine.ActionFileChange, Operation: "delete", Path: "/etc/hosts"},
		{Kind: engine.ActionFileChange, Operation: "Rename", Path: "a.txt"},
	}
	for _, req := range risky {
		if !HighRisk(req) {
			t.Fatalf("HighRisk(%+v) = false, want true", req)
		}
	}

	safe := []engine.ActionRequest{
		commandAction("d", "ls -la"),
		commandAction("e", "format-code --rmdir-style"), // substring, not a word
		{Kind: engine.ActionFileChange, Operation: "write", Path: "notes.md"},
		{Kind: engine.ActionNetworkAccess, Detail: "GET https://example.com"},
		{Kind: engine.ActionInput, Questions: []string{"which env?"}},
	}
	for _, req := range safe {
		if HighRisk(req) {
			t.Fatalf("HighRisk(%+v) = true, want false", req)
		}
	}
}

func TestAutoDecision(t *testing.T) {
	low := commandAction("a", "ls")
	lowAutoOK := engine.ActionRequest{ID: "b", Kind: engine.ActionCommandExecution, Command: "ls", AutoOK: true}
	high := commandAction("c", "rm -rf /")

	cases := []struct {
		name       string
		policy     policy.Policy
		req        engine.ActionRequest
		hadFailure bool
		wantAuto   bool
	}{
		{"never waits", policy.Policy{Mode: policy.ModeNever}, low, false, false},
		{"on-request without auto_ok waits", policy.Policy{Mode: policy.ModeOnRequest}, low, false, false},
		{"on-request with auto_ok accepts", policy.Policy{Mode: policy.ModeOnRequest}, lowAutoOK, false, true},
		{"on-failure accepts clean run", policy.Policy{Mode: policy.ModeOnFailure}, low, false, true},
		{"on-failure waits after failure", policy.Policy{Mode: policy.ModeOnFailure}, low, true, false},
		{"unless-trusted accepts trusted kind", policy.Policy{Mode: policy.ModeUnlessTrusted, TrustedKinds: []string{engine.ActionCommandExecution}}, low, false, true},
		{"unless-trusted waits for untrusted kind", policy.Policy{Mode: policy.ModeUnlessTrusted}, low, false, false},
		{"high risk never auto", policy.Policy{Mode: policy.ModeOnFailure}, high, false, false},
	}
	for _, tc := range cases {
		decision, auto := autoDecision(tc.policy, tc.req, tc.hadFailure)
		if auto != tc.wantAuto {
			t.Fatalf("%s: auto = %v, want %v", tc.name, auto, tc.wantAuto)
		}
		if auto && decision != engine.DecisionAccept {
			t.Fatalf("%s: decision = %q", tc.name, decision)
		}
	}

	// Input requests always wait regardless of mode.
	input := engine.ActionRequest{Kind: engine.ActionInput, Questions: []string{"proceed?"}}
	if _, auto := autoDecision(policy.Policy{Mode: policy.ModeOnFailure}, input, false); auto {
		t.Fatal("input request should not auto-resolve")
	}
}

func TestRequest_AutoResolvedByPolicy(t *testing.T) {
	pol := policy.Default()
	pol.Mode = policy.ModeOnFailure
	broker, store := newTestBroker(t, pol)

	decision, err := broker.Request(context.Background(), "run-1", commandAction("a", "ls"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if decision.Decision != engine.DecisionAccept || !decision.Auto {
		t.Fatalf("decision = %+v", decision)
	}

	approvals, err := store.ListApprovals(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) != 1 || !approvals[0].AutoResolved || approvals[0].Decision != engine.DecisionAccept {
		t.Fatalf("approvals = %+v", approvals)
	}
	if len(broker.ListPending()) != 0 {
		t.Fatal("auto-resolved approval should not be pending")
	}
}

func TestRequest_OperatorAccept(t *testing.T) {
	broker, store := newTestBroker(t, policy.Default())

	type result struct {
		decision engine.GateDecision
		err      error
	}
	got := make(chan result, 1)
	go func() {
		d, err := broker.Request(context.Background(), "run-1", commandAction("a", "ls"))
		got <- result{d, err}
	}()

	pending := waitPending(t, broker, 1)
	if pending[0].RunID != "run-1" || pending[0].HighRisk {
		t.Fatalf("pending = %+v", pending[0])
	}

	if err := broker.Resolve(pending[0].ID, engine.DecisionAccept, "looks fine", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil || r.decision.Decision != engine.DecisionAccept {
			t.Fatalf("result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Request did not return after Resolve")
	}

	stored, err := store.GetApproval(pending[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Decision != engine.DecisionAccept || stored.Reason != "looks fine" || stored.ResolvedAt == nil {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestResolve_HighRiskNeedsPhrase(t *testing.T) {
	broker, _ := newTestBroker(t, policy.Default())

	got := make(chan engine.GateDecision, 1)
	go func() {
		d, _ := broker.Request(context.Background(), "run-1", commandAction("a", "rm -rf build/"))
		got <- d
	}()

	pending := waitPending(t, broker, 1)
	if !pending[0].HighRisk {
		t.Fatalf("pending = %+v", pending[0])
	}

	// Wrong or missing phrase: rejected, still pending.
	if err := broker.Resolve(pending[0].ID, engine.DecisionAccept, "", ""); !errors.Is(err, ErrInvalidPhrase) {
		t.Fatalf("err = %v, want ErrInvalidPhrase", err)
	}
	if err := broker.Resolve(pending[0].ID, engine.DecisionAccept, "", "confirm"); !errors.Is(err, ErrInvalidPhrase) {
		t.Fatalf("err = %v, want ErrInvalidPhrase", err)
	}
	if len(broker.ListPending()) != 1 {
		t.Fatal("approval should stay pending after phrase mismatch")
	}

	// The exact phrase accepts. Surrounding whitespace is tolerated.
	if err := broker.Resolve(pending[0].ID, engine.DecisionAccept, "", " confirm-high-risk "); err != nil {
		t.Fatalf("Resolve with phrase: %v", err)
	}
	select {
	case d := <-got:
		if d.Decision != engine.DecisionAccept {
			t.Fatalf("decision = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Request did not return")
	}

	// Declining a high-risk action needs no phrase.
	go func() {
		_, _ = broker.Request(context.Background(), "run-2", commandAction("b", "rm cache/"))
	}()
	pending = waitPending(t, broker, 1)
	if err := broker.Resolve(pending[0].ID, engine.DecisionDecline, "too risky", ""); err != nil {
		t.Fatalf("decline: %v", err)
	}
}

func TestResolve_InvalidInputs(t *testing.T) {
	broker, _ := newTestBroker(t, policy.Default())

	if err := broker.Resolve("ghost", engine.DecisionAccept, "", ""); !errors.Is(err, ErrNotPending) {
		t.Fatalf("err = %v", err)
	}
	if err := broker.Resolve("ghost", "maybe", "", ""); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("err = %v", err)
	}
}

func TestRequest_Timeout(t *testing.T) {
	pol := policy.Default()
	pol.ApprovalTimeoutSeconds = 1
	broker, store := newTestBroker(t, pol)

	start := time.Now()
	_, err := broker.Request(context.Background(), "run-1", commandAction("a", "ls"))
	if !errors.Is(err, engine.ErrApprovalTimeout) {
		t.Fatalf("err = %v, want ErrApprovalTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("timed out too early: %v", elapsed)
	}

	approvals, err := store.ListApprovals(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) != 1 || approvals[0].Decision != "timed-out" {
		t.Fatalf("approvals = %+v", approvals)
	}

	// The timeout counts as a failure for on-failure mode.
	broker.policy = policy.NewLivePolicy(policy.Policy{Mode: policy.ModeOnFailure, ApprovalTimeoutSeconds: 1}, "")
	if _, err := broker.Request(context.Background(), "run-1", commandAction("b", "ls")); !errors.Is(err, engine.ErrApprovalTimeout) {
		t.Fatalf("err = %v, want ErrApprovalTimeout after prior failure", err)
	}
}

func TestRequest_ContextCancelled(t *testing.T) {
	broker, store := newTestBroker(t, policy.Default())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitPending(nil, broker, 1)
		cancel()
	}()
	_, err := broker.Request(ctx, "run-1", commandAction("a", "ls"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}

	// The record reflects the cancellation, not a timeout.
	approvals, err := store.ListApprovals(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) != 1 || approvals[0].Decision != "cancelled" || approvals[0].ResolvedAt == nil {
		t.Fatalf("approvals = %+v", approvals)
	}
}

func TestSubmitInput(t *testing.T) {
	broker, store := newTestBroker(t, policy.Default())

	got := make(chan engine.GateDecision, 1)
	go func() {
		d, _ := broker.Request(context.Background(), "run-1", engine.ActionRequest{
			ID:        "q-1",
			Kind:      engine.ActionInput,
			Questions: []string{"which environment?"},
		})
		got <- d
	}()

	pending := waitPending(t, broker, 1)

	// Resolve cannot answer an input request.
	if err := broker.Resolve(pending[0].ID, engine.DecisionAccept, "", ""); !errors.Is(err, ErrNotPending) {
		t.Fatalf("err = %v", err)
	}
	// Invalid decision for input.
	if err := broker.SubmitInput(pending[0].ID, engine.DecisionAccept, nil); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("err = %v", err)
	}

	answers := map[string]string{"which environment?": "staging"}
	if err := broker.SubmitInput(pending[0].ID, engine.DecisionSubmit, answers); err != nil {
		t.Fatalf("SubmitInput: %v", err)
	}

	select {
	case d := <-got:
		if d.Decision != engine.DecisionSubmit || d.Answers["which environment?"] != "staging" {
			t.Fatalf("decision = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Request did not return")
	}

	stored, err := store.GetApproval(pending[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Decision != engine.DecisionSubmit || stored.Answers["which environment?"] != "staging" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestListPending_OldestFirst(t *testing.T) {
	broker, _ := newTestBroker(t, policy.Default())

	for i, cmd := range []string{"ls", "pwd", "whoami"} {
		req := commandAction(string(rune('a'+i)), cmd)
		go func() { _, _ = broker.Request(context.Background(), "run-1", req) }()
		waitPending(t, broker, i+1)
	}

	pending := broker.ListPending()
	if len(pending) != 3 {
		t.Fatalf("pending = %d", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].CreatedAt.Before(pending[i-1].CreatedAt) {
			t.Fatalf("pending not sorted: %+v", pending)
		}
	}
}

// waitPending polls until the broker has at least n pending requests. A nil
// *testing.T makes it best-effort for use off the test goroutine.
func waitPending(t *testing.T, broker *Broker, n int) []persistence.Approval {
	if t != nil {
		t.Helper()
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := broker.ListPending(); len(pending) >= n {
			return pending
		}
		time.Sleep(5 * time.Millisecond)
	}
	if t != nil {
		t.Fatalf("never saw %d pending requests", n)
	}
	return nil
}
