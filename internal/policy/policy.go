package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Approval modes. They decide what happens when a run raises a gated action
// before an operator has answered.
const (
	// ModeNever never auto-accepts; every gated action waits for an operator.
	ModeNever = "never"
	// ModeOnRequest auto-accepts actions the executor marked as routine.
	ModeOnRequest = "on-request"
	// ModeOnFailure auto-accepts until a prior gated action in the same run
	// failed or was declined, then reverts to waiting.
	ModeOnFailure = "on-failure"
	// ModeUnlessTrusted auto-accepts action kinds listed in trusted_kinds.
	ModeUnlessTrusted = "unless-trusted"
)

var knownModes = map[string]struct{}{
	ModeNever:         {},
	ModeOnRequest:     {},
	ModeOnFailure:     {},
	ModeUnlessTrusted: {},
}

// Policy is the serializable approval policy data.
// High-risk actions are never auto-accepted regardless of mode.
type Policy struct {
	Mode                   string   `yaml:"mode"`
	TrustedKinds           []string `yaml:"trusted_kinds"`
	ConfirmationPhrase     string   `yaml:"confirmation_phrase"`
	ApprovalTimeoutSeconds int      `yaml:"approval_timeout_seconds"`
}

func Default() Policy {
	return Policy{
		Mode:                   ModeNever,
		ConfirmationPhrase:     "confirm-high-risk",
		ApprovalTimeoutSeconds: 120,
	}
}

// PolicyPath returns the path to policy.yaml within the given home directory.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	mode := strings.ToLower(strings.TrimSpace(p.Mode))
	if mode == "" {
		return fmt.Errorf("policy mode is required")
	}
	if _, ok := knownModes[mode]; !ok {
		return fmt.Errorf("unknown policy mode %q", p.Mode)
	}
	if p.ApprovalTimeoutSeconds < 0 {
		return fmt.Errorf("approval_timeout_seconds must be >= 0")
	}
	return nil
}

// Trusted reports whether the given action kind is in the trusted list.
func (p Policy) Trusted(kind string) bool {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return false
	}
	for _, t := range p.TrustedKinds {
		if strings.ToLower(strings.TrimSpace(t)) == kind {
			return true
		}
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.TrustedKinds = append([]string(nil), lp.data.TrustedKinds...)
	return cp
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// SetMode switches the approval mode at runtime and persists the change.
func (lp *LivePolicy) SetMode(mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if _, ok := knownModes[mode]; !ok {
		return fmt.Errorf("unknown policy mode %q", mode)
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data.Mode = mode
	return lp.persist()
}

// TrustKind adds an action kind to the trusted list and persists the change.
func (lp *LivePolicy) TrustKind(kind string) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return fmt.Errorf("empty action kind")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	for _, t := range lp.data.TrustedKinds {
		if strings.ToLower(strings.TrimSpace(t)) == kind {
			return nil
		}
	}
	lp.data.TrustedKinds = append(lp.data.TrustedKinds, kind)
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("mode=" + strings.ToLower(strings.TrimSpace(p.Mode)) + "|"))
	for _, v := range p.TrustedKinds {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	_, _ = h.Write([]byte("phrase=" + p.ConfirmationPhrase + "|"))
	_, _ = h.Write([]byte("timeout=" + strconv.Itoa(p.ApprovalTimeoutSeconds) + "|"))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
