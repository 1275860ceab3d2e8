// Package engine drives runs: it starts turns on the executor, persists the
// event stream, pauses on gated actions and hands finished output to delivery.
package engine

import (
	"context"

	"github.com/vervet/valet/internal/persistence"
)

// Turn event kinds emitted by the executor.
const (
	EventMessage       = "message"
	EventActionRequest = "action_request"
	EventInputRequest  = "input_request"
	EventCompleted     = "completed"
	EventError         = "error"
)

// Gate decisions.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
	DecisionSubmit  = "submit"
	DecisionSkip    = "skip"
	DecisionCancel  = "cancel"
)

// Action kinds raised by the executor.
const (
	ActionCommandExecution = "command-execution"
	ActionFileChange       = "file-change"
	ActionNetworkAccess    = "network-access"
	ActionInput            = "input"
)

// TurnRequest describes one turn to execute.
type TurnRequest struct {
	SessionID       string
	ParentSessionID string // set when forking from another session's context
	Prompt          string
}

// ActionRequest is a gated action or input request raised mid-turn.
type ActionRequest struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Command   string   `json:"command,omitempty"`
	Path      string   `json:"path,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	AutoOK    bool     `json:"auto_ok,omitempty"` // executor marked this routine
	Questions []string `json:"questions,omitempty"`
}

// TurnResponse answers an action or input request.
type TurnResponse struct {
	Decision string            `json:"decision"`
	Answers  map[string]string `json:"answers,omitempty"`
}

// TurnEvent is one item in a turn's event stream.
type TurnEvent struct {
	Kind    string
	Text    string
	Request *ActionRequest
	Err     string
}

// Turn is a live executor turn. Events closes when the turn ends.
type Turn interface {
	Events() <-chan TurnEvent
	Respond(ctx context.Context, requestID string, resp TurnResponse) error
	Interrupt(ctx context.Context) error
	Close() error
}

// Executor starts turns. The engine treats it as opaque; the stdio
// implementation runs a subprocess per turn.
type Executor interface {
	Start(ctx context.Context, req TurnRequest) (Turn, error)
}

// GateDecision is the resolved outcome of a gated action.
type GateDecision struct {
	Decision string
	Answers  map[string]string
	Auto     bool
}

// Gate decides gated actions, blocking until resolved or timed out.
type Gate interface {
	Request(ctx context.Context, runID string, req ActionRequest) (GateDecision, error)
}

// Deliverer routes finished run output to its destination.
type Deliverer interface {
	DeliverRunOutput(ctx context.Context, run persistence.Run, spec *persistence.DeliverySpec, bestEffort bool) error
}
