package domain

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusStopped   ExecutionStatus = "STOPPED"
)

// Terminal reports whether the status is a terminal outcome. Transitions
// are monotonic forward; a terminal execution never changes status again.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusStopped:
		return true
	}
	return false
}

// CanTransition encodes the forward-only state machine shared by
// executions and stages: PENDING -> RUNNING -> {COMPLETED, FAILED, STOPPED}.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	switch s {
	case ExecutionStatusPending:
		return to != ExecutionStatusPending
	case ExecutionStatusRunning:
		return to.Terminal()
	}
	return false
}

// Execution is one run attempt of a simulation. PatternType and
// ExecutionPlan are immutable snapshots taken at start; ResultSummary and
// the terminal timestamps are written exactly once, at the terminal
// boundary.
type Execution struct {
	ID            uuid.UUID
	SimulationID  uuid.UUID
	PatternType   PatternType
	Status        ExecutionStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	StoppedAt     *time.Time
	FailedAt      *time.Time
	ExecutionPlan json.RawMessage
	ResultSummary *ResultSummary
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StepExecution mirrors a step's state at the moment its execution
// reached a terminal boundary. It is not updated per repeat; live repeat
// progress exists only in the progress store while the run is active.
type StepExecution struct {
	ID            uuid.UUID
	ExecutionID   uuid.UUID
	StepID        uuid.UUID
	StepOrder     int
	AgentCount    int
	CurrentRepeat int
	TotalRepeats  int
	Status        ExecutionStatus
	ErrorCode     string
	ErrorMessage  string
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// GroupExecution is the per-group counterpart of StepExecution.
type GroupExecution struct {
	ID            uuid.UUID
	ExecutionID   uuid.UUID
	GroupID       uuid.UUID
	GroupName     string
	AgentCount    int
	CurrentRepeat int
	TotalRepeats  int
	Status        ExecutionStatus
	ErrorCode     string
	ErrorMessage  string
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// ExecutionRecord is an execution together with its stage rows, as read
// back from the history store.
type ExecutionRecord struct {
	Execution Execution
	Steps     []StepExecution
	Groups    []GroupExecution
}

// ResultSummary is the final aggregate persisted with a terminal
// execution.
type ResultSummary struct {
	TotalStages     int           `json:"total_stages"`
	CompletedStages int           `json:"completed_stages"`
	FailedStages    int           `json:"failed_stages"`
	StoppedStages   int           `json:"stopped_stages"`
	PodsCreated     int           `json:"pods_created"`
	Stages          []StageResult `json:"stages"`
}

// StageResult is one stage's contribution to the result summary.
type StageResult struct {
	Kind          StageKind       `json:"kind"`
	StepOrder     int             `json:"step_order,omitempty"`
	GroupName     string          `json:"group_name,omitempty"`
	Status        ExecutionStatus `json:"status"`
	CurrentRepeat int             `json:"current_repeat"`
	TotalRepeats  int             `json:"total_repeats"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}
