package domain

import (
	"time"

	"github.com/google/uuid"
)

type PatternType string

const (
	PatternSequential PatternType = "sequential"
	PatternParallel   PatternType = "parallel"
)

type SimulationStatus string

const (
	SimulationStatusPending   SimulationStatus = "PENDING"
	SimulationStatusRunning   SimulationStatus = "RUNNING"
	SimulationStatusCompleted SimulationStatus = "COMPLETED"
	SimulationStatusFailed    SimulationStatus = "FAILED"
	SimulationStatusStopped   SimulationStatus = "STOPPED"
)

// Simulation is the top-level unit of work. It owns Steps (sequential
// pattern) or Groups (parallel pattern), never both.
type Simulation struct {
	ID           uuid.UUID
	Name         string
	PatternType  PatternType
	Namespace    string
	ExpectedPods int
	ActualPods   int
	Status       SimulationStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	StoppedAt    *time.Time
	FailedAt     *time.Time
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

func (s *Simulation) Deleted() bool {
	return s.DeletedAt != nil
}

type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusStopped   StepStatus = "STOPPED"
)

// Step is one ordered stage of a sequential simulation. StepOrder is
// unique within the simulation and consumed in ascending value.
type Step struct {
	ID                   uuid.UUID
	SimulationID         uuid.UUID
	StepOrder            int
	TemplateID           uuid.UUID
	AgentCount           int
	ExecutionTime        time.Duration
	DelayAfterCompletion time.Duration
	RepeatCount          int
	CurrentRepeat        int
	Status               StepStatus
}

type GroupStatus string

const (
	GroupStatusPending   GroupStatus = "PENDING"
	GroupStatusRunning   GroupStatus = "RUNNING"
	GroupStatusCompleted GroupStatus = "COMPLETED"
	GroupStatusFailed    GroupStatus = "FAILED"
	GroupStatusStopped   GroupStatus = "STOPPED"
)

// Group is one independently-running stage of a parallel simulation.
// AssignedArea must not overlap between groups of the same simulation;
// the caller is responsible for that invariant.
type Group struct {
	ID            uuid.UUID
	SimulationID  uuid.UUID
	Name          string
	TemplateID    uuid.UUID
	AgentCount    int
	AssignedArea  string
	ExecutionTime time.Duration
	RepeatCount   int
	CurrentRepeat int
	Status        GroupStatus
}

type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "PENDING"
	InstanceStatusCreating  InstanceStatus = "CREATING"
	InstanceStatusRunning   InstanceStatus = "RUNNING"
	InstanceStatusCompleted InstanceStatus = "COMPLETED"
	InstanceStatusFailed    InstanceStatus = "FAILED"
	InstanceStatusStopped   InstanceStatus = "STOPPED"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusStopped:
		return true
	}
	return false
}

// Instance is one pod-backed agent unit. It belongs to exactly one
// Step or one Group, never both.
type Instance struct {
	ID           uuid.UUID      `json:"id"`
	SimulationID uuid.UUID      `json:"simulation_id"`
	StepID       *uuid.UUID     `json:"step_id,omitempty"`
	GroupID      *uuid.UUID     `json:"group_id,omitempty"`
	Name         string         `json:"name"`
	PodName      string         `json:"pod_name,omitempty"`
	PodNamespace string         `json:"pod_namespace,omitempty"`
	Status       InstanceStatus `json:"status"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Template describes the pod workload an instance runs. Definitions are
// read-only from the controller's perspective.
type Template struct {
	ID      uuid.UUID
	Name    string
	Image   string
	Command []string
	Env     map[string]string
}
