package persistence

import (
	"encoding/json"
	"time"
)

// Run statuses.
const (
	RunPending          = "pending"
	RunRunning          = "running"
	RunAwaitingApproval = "awaiting-approval"
	RunCompleted        = "completed"
	RunFailed           = "failed"
	RunCancelled        = "cancelled"
)

// allowedRunTransitions is the run status machine. Terminal statuses have no
// outgoing edges.
var allowedRunTransitions = map[string][]string{
	RunPending:          {RunRunning, RunFailed, RunCancelled},
	RunRunning:          {RunAwaitingApproval, RunCompleted, RunFailed, RunCancelled},
	RunAwaitingApproval: {RunRunning, RunFailed, RunCancelled},
	RunCompleted:        {},
	RunFailed:           {},
	RunCancelled:        {},
}

// TerminalStatus reports whether a run status has no outgoing transitions.
func TerminalStatus(status string) bool {
	next, ok := allowedRunTransitions[status]
	return ok && len(next) == 0
}

// TransitionAllowed reports whether from -> to is a legal run transition.
func TransitionAllowed(from, to string) bool {
	for _, next := range allowedRunTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Wake modes.
const (
	WakeNow           = "now"
	WakeNextHeartbeat = "next-heartbeat"
)

// Payload kinds.
const (
	PayloadAgentTurn   = "agent-turn"
	PayloadSystemEvent = "system-event"
)

// ScheduleSpec describes when a job fires.
type ScheduleSpec struct {
	Kind string `json:"kind"`
	// At is the one-shot fire instant (kind "at").
	At *time.Time `json:"at,omitempty"`
	// EveryMS is the fixed interval in milliseconds (kind "every").
	EveryMS int64 `json:"every_ms,omitempty"`
	// Cron is a 5-field cron expression (kind "cron").
	Cron string `json:"cron,omitempty"`
	// Timezone is the IANA zone cron fields are evaluated in. Empty = host local.
	Timezone string `json:"timezone,omitempty"`
}

// PayloadSpec describes what a job run executes.
type PayloadSpec struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DeliverySpec names where run output goes. Nil means best-effort via the
// session's recorded route.
type DeliverySpec struct {
	Channel     string `json:"channel"`
	Destination string `json:"destination"`
	BestEffort  bool   `json:"best_effort,omitempty"`
}

// RunState is the scheduler's mutable bookkeeping on a job.
type RunState struct {
	NextDueAt  *time.Time `json:"next_due_at,omitempty"`
	RunningAt  *time.Time `json:"running_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Job is a persisted scheduled job.
type Job struct {
	ID             string        `json:"id"`
	Name           string        `json:"name,omitempty"`
	Enabled        bool          `json:"enabled"`
	Schedule       ScheduleSpec  `json:"schedule"`
	SessionTarget  string        `json:"session_target"` // "main" or "isolated"
	Payload        PayloadSpec   `json:"payload"`
	Delivery       *DeliverySpec `json:"delivery,omitempty"`
	WakeMode       string        `json:"wake_mode,omitempty"` // "now" (default) or "next-heartbeat"
	DeleteAfterRun bool          `json:"delete_after_run,omitempty"`
	ConcurrencyCap int           `json:"concurrency_cap,omitempty"` // 0 = 1 (no overlap)
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	State          RunState      `json:"state"`
}

// Run is one execution of a job payload (or an ad-hoc/heartbeat turn).
type Run struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id,omitempty"`
	SessionID   string     `json:"session_id"`
	ParentRunID string     `json:"parent_run_id,omitempty"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Event is one entry in a run's append-only event stream.
type Event struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Approval is a persisted gated-action decision record.
type Approval struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	Kind         string            `json:"kind"`
	HighRisk     bool              `json:"high_risk,omitempty"`
	Request      string            `json:"request"`
	Decision     string            `json:"decision,omitempty"` // accept, decline, timed-out, cancelled
	Reason       string            `json:"reason,omitempty"`
	Answers      map[string]string `json:"answers,omitempty"`
	AutoResolved bool              `json:"auto_resolved,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
}

// Route records the last known outbound destination for a session.
type Route struct {
	SessionID   string    `json:"session_id"`
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	Account     string    `json:"account,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Receipt statuses.
const (
	ReceiptSent    = "sent"
	ReceiptSkipped = "skipped"
	ReceiptError   = "error"
)

// Receipt records one outbound delivery attempt.
type Receipt struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Direction      string    `json:"direction"` // always "outbound"
	Status         string    `json:"status"`
	SessionID      string    `json:"session_id,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Destination    string    `json:"destination,omitempty"`
	Error          string    `json:"error,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// HistoryEntry is one line in a job's execution history.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id"`
	Outcome   string    `json:"outcome"` // fired, skipped, completed, failed, cancelled, deferred
	RunID     string    `json:"run_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// WakeItem is a queued system event waiting for the next heartbeat.
type WakeItem struct {
	ID       string    `json:"id"`
	JobID    string    `json:"job_id"`
	Message  string    `json:"message"`
	QueuedAt time.Time `json:"queued_at"`
}
