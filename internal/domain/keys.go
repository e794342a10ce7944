package domain

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	ProgressRepeatPrefix = "progress:repeat:"
	ProgressStatusPrefix = "progress:status:"
)

// RepeatCounterKey builds the progress-store key for a stage's repeat
// counter. Keys are scoped by simulation so concurrently running
// simulations never collide.
func RepeatCounterKey(simulationID uuid.UUID, stageRef string) string {
	return fmt.Sprintf("%s%s:%s", ProgressRepeatPrefix, simulationID, stageRef)
}

// StageStatusKey builds the progress-store key for a stage's live status.
func StageStatusKey(simulationID uuid.UUID, stageRef string) string {
	return fmt.Sprintf("%s%s:%s", ProgressStatusPrefix, simulationID, stageRef)
}

// SimulationProgressPrefix covers every progress key of one simulation,
// for cleanup after a terminal boundary.
func SimulationProgressPrefix(simulationID uuid.UUID) []string {
	return []string{
		fmt.Sprintf("%s%s:", ProgressRepeatPrefix, simulationID),
		fmt.Sprintf("%s%s:", ProgressStatusPrefix, simulationID),
	}
}
