package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is what a status query returns: the live view while a run is
// active, or the last terminal execution afterwards.
type RunStatus struct {
	SimulationID uuid.UUID       `json:"simulation_id"`
	ExecutionID  uuid.UUID       `json:"execution_id"`
	Status       ExecutionStatus `json:"status"`
	Active       bool            `json:"active"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Stages       []StageStatus   `json:"stages"`
}

// StageStatus is one stage's slice of a RunStatus. Instances lists the
// pod-backed agents of the stage's current repeat; it is only populated
// while the run is live.
type StageStatus struct {
	Ref           string          `json:"ref"`
	Kind          StageKind       `json:"kind"`
	Status        ExecutionStatus `json:"status"`
	CurrentRepeat int             `json:"current_repeat"`
	TotalRepeats  int             `json:"total_repeats"`
	Instances     []Instance      `json:"instances,omitempty"`
}
