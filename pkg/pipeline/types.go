package pipeline

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further stage can be dispatched for the run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

const (
	FailureReasonCancelled = "cancelled"
	FailureReasonTimeout   = "timeout"
)

// Document is the single record of a run. Every persisted transition produces a
// new revision; a loaded Document is never mutated in place by the orchestrator.
type Document struct {
	RunID           string                 `json:"run_id"`
	OwnerID         string                 `json:"owner_id,omitempty"`
	Pipeline        string                 `json:"pipeline"`
	Revision        int64                  `json:"revision"`
	Status          RunStatus              `json:"status"`
	CurrentStage    string                 `json:"current_stage,omitempty"`
	StageOutputs    map[string]StageOutput `json:"stage_outputs"`
	StageErrors     map[string]StageError  `json:"stage_errors,omitempty"`
	Dispatches      map[string]Dispatch    `json:"dispatches,omitempty"`
	JoinClaimed     map[string]bool        `json:"join_claimed,omitempty"`
	PendingStages   []string               `json:"pending_stages,omitempty"`
	PauseRequested  bool                   `json:"pause_requested,omitempty"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	FailedStage     string                 `json:"failed_stage,omitempty"`
	FailureReason   string                 `json:"failure_reason,omitempty"`
	Input           RunInput               `json:"input"`
	Baseline        *Baseline              `json:"baseline,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// RunInput is the request that seeded the run. EditInstructions is keyed by stage.
type RunInput struct {
	Prompt           string            `json:"prompt"`
	Params           map[string]any    `json:"params,omitempty"`
	EditInstructions map[string]string `json:"edit_instructions,omitempty"`
}

// StageOutput holds a stage's payload. The payload schema belongs to the stage.
type StageOutput struct {
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	CompletedAt time.Time       `json:"completed_at"`
	// Late is set when the output arrived after the run had already stopped.
	Late bool `json:"late,omitempty"`
}

type StageError struct {
	Message    string      `json:"message"`
	Kind       FailureKind `json:"kind"`
	Retryable  bool        `json:"retryable,omitempty"`
	Attempts   int         `json:"attempts"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Dispatch tracks an in-flight stage attempt. The attempt is considered started
// at NotBefore; its timeout window is measured from there.
type Dispatch struct {
	Attempt      int       `json:"attempt"`
	DispatchedAt time.Time `json:"dispatched_at"`
	NotBefore    time.Time `json:"not_before"`
}

type Baseline struct {
	RunID    string   `json:"run_id"`
	Revision int64    `json:"revision"`
	Targets  []string `json:"targets"`
}

type FailureKind string

const (
	FailureInfrastructure FailureKind = "infrastructure"
	FailureApplication    FailureKind = "application"
)

type EventKind string

const (
	EventStart          EventKind = "start"
	EventStageCompleted EventKind = "stage_completed"
	EventStageFailed    EventKind = "stage_failed"
	EventPause          EventKind = "pause"
	EventResume         EventKind = "resume"
	EventCancel         EventKind = "cancel"
	// EventJoin asks for an already joined group to be released; StageID
	// carries the group id.
	EventJoin EventKind = "join"
)

// Event is one input to the orchestrator's transition function. Stage events
// carry the attempt they belong to so stale and redelivered events can be told
// apart from fresh ones.
type Event struct {
	Kind      EventKind       `json:"kind"`
	RunID     string          `json:"run_id"`
	StageID   string          `json:"stage_id,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Failure   FailureKind     `json:"failure,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// DispatchRequest asks a Dispatcher to run one stage attempt, no earlier than
// Delay from now.
type DispatchRequest struct {
	RunID   string        `json:"run_id"`
	StageID string        `json:"stage_id"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay,omitempty"`
	Input   StageRequest  `json:"input"`
}

type ProgressStatus string

const (
	ProgressStarted   ProgressStatus = "started"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressRetrying  ProgressStatus = "retrying"
	ProgressPaused    ProgressStatus = "paused"
	ProgressResumed   ProgressStatus = "resumed"
)

// ProgressEvent is a human-readable notification derived from a persisted
// transition. An empty StageID denotes a run-level event.
type ProgressEvent struct {
	RunID     string         `json:"run_id"`
	StageID   string         `json:"stage_id,omitempty"`
	Status    ProgressStatus `json:"status"`
	Revision  int64          `json:"revision"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}
