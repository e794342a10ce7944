package ports

import (
	"context"

	"github.com/google/uuid"

	"github.com/fleetsim/fleetsim/internal/domain"
)

// DefinitionSource provides read-only access to simulation, stage, and
// template definitions at execution start. The core never mutates
// definitions; it only freezes them into an execution plan.
type DefinitionSource interface {
	Simulation(ctx context.Context, id uuid.UUID) (*domain.Simulation, error)
	Steps(ctx context.Context, simulationID uuid.UUID) ([]domain.Step, error)
	Groups(ctx context.Context, simulationID uuid.UUID) ([]domain.Group, error)
	Template(ctx context.Context, id uuid.UUID) (*domain.Template, error)
}
