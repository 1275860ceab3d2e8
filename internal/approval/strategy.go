// Package approval brokers gated actions between running turns and operators:
// it persists pending decisions, applies the policy's auto-resolution mode and
// blocks the asking run until a decision lands or the timeout passes.
package approval

import (
	"regexp"
	"strings"

	"github.com/vervet/valet/internal/engine"
	"github.com/vervet/valet/internal/policy"
)

// destructiveCommand matches commands that remove or move data.
var destructiveCommand = regexp.MustCompile(`(?i)(^|[\s;|&])(rm|rmdir|unlink|shred|mv|rename)(\s|$)`)

var destructiveOperations = map[string]struct{}{
	"delete": {},
	"rename": {},
	"move":   {},
}

// HighRisk classifies an action request. High-risk actions are never
// auto-accepted and require the confirmation phrase to accept.
func HighRisk(req engine.ActionRequest) bool {
	switch req.Kind {
	case engine.ActionFileChange:
		_, destructive := destructiveOperations[strings.ToLower(strings.TrimSpace(req.Operation))]
		return destructive
	case engine.ActionCommandExecution:
		return destructiveCommand.MatchString(req.Command)
	}
	return false
}

// autoDecision applies the policy mode to a low-risk action. It returns the
// auto decision and true, or false when the action must wait for an operator.
// runHadFailure reports whether a prior gated action in the same run failed
// or was declined.
func autoDecision(p policy.Policy, req engine.ActionRequest, runHadFailure bool) (string, bool) {
	if HighRisk(req) || req.Kind == engine.ActionInput {
		return "", false
	}
	switch strings.ToLower(strings.TrimSpace(p.Mode)) {
	case policy.ModeOnRequest:
		if req.AutoOK {
			return engine.DecisionAccept, true
		}
	case policy.ModeOnFailure:
		if !runHadFailure {
			return engine.DecisionAccept, true
		}
	case policy.ModeUnlessTrusted:
		if p.Trusted(req.Kind) {
			return engine.DecisionAccept, true
		}
	}
	return "", false
}
