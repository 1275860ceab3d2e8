package bus

// Scheduler event topics.
const (
	TopicJobFired   = "job.fired"
	TopicJobSkipped = "job.skipped"
)

// Run event topics. Per-run event streams use TopicRunEventPrefix + runID.
const (
	TopicRunStateChanged = "run.state_changed"
	TopicRunEventPrefix  = "run.event."
)

// Approval and input event topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
	TopicInputRequested    = "input.requested"
)

// Delivery and heartbeat event topics.
const (
	TopicDeliverySent  = "delivery.sent"
	TopicHeartbeatBeat = "heartbeat.beat"
)

// JobFiredEvent is published when the scheduler launches a run for a due job.
type JobFiredEvent struct {
	JobID string // Job ID
	RunID string // Run ID of the launched run
	DueAt string // RFC3339 due instant the fire corresponds to
}

// JobSkippedEvent is published when a due job is skipped.
type JobSkippedEvent struct {
	JobID  string // Job ID
	Reason string // "overlap", "disabled", or "deferred"
}

// RunStateChangedEvent is published on every run status transition.
type RunStateChangedEvent struct {
	RunID     string // Run ID
	JobID     string // Owning job ID ("" for ad-hoc runs)
	SessionID string // Session the run executes in
	OldStatus string // Previous status (e.g. pending)
	NewStatus string // New status (e.g. running)
}

// ApprovalEvent is published when an approval is requested or resolved.
type ApprovalEvent struct {
	ApprovalID string // Approval ID
	RunID      string // Run awaiting the decision
	Kind       string // Action kind (e.g. command-execution)
	HighRisk   bool   // Whether the action is classified high-risk
	Decision   string // "" while pending; accept/decline/timed-out once resolved
}

// InputRequestedEvent is published when a run pauses on a question for the operator.
type InputRequestedEvent struct {
	RequestID string   // Input request ID
	RunID     string   // Run awaiting the answers
	Questions []string // Questions posed by the executor
}

// DeliverySentEvent is published after a successful outbound send.
type DeliverySentEvent struct {
	ReceiptID   string // Receipt ID
	SessionID   string // Session the content originated from
	Channel     string // Channel name
	Destination string // Destination address
}

// HeartbeatBeatEvent is published when a heartbeat run is launched.
type HeartbeatBeatEvent struct {
	RunID    string // Heartbeat run ID
	Queued   int    // Number of queued wake items folded into the beat
	Manual   bool   // Whether the beat was triggered by an explicit wake
	BeatTime string // RFC3339 beat instant
}
