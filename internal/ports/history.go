package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsim/fleetsim/internal/domain"
)

// FinalizeRequest carries the single reconciliation write that moves an
// execution and its stage records to a terminal state. The history store
// applies it in one transaction: a terminal execution without its stage
// rows must never be observable.
type FinalizeRequest struct {
	ExecutionID   uuid.UUID
	Status        domain.ExecutionStatus
	ResultSummary *domain.ResultSummary
	FailureReason string
	FinishedAt    time.Time
	Steps         []domain.StepExecution
	Groups        []domain.GroupExecution
}

// HistoryStore is the durable system of record for executions. It becomes
// authoritative once a run reaches a terminal boundary.
type HistoryStore interface {
	// CreateExecution inserts a new execution row with its frozen plan.
	CreateExecution(ctx context.Context, execution *domain.Execution) error

	// ActiveExecution returns the simulation's non-terminal execution,
	// or domain.ErrNotFound when none exists.
	ActiveExecution(ctx context.Context, simulationID uuid.UUID) (*domain.Execution, error)

	// Finalize applies the terminal write transactionally. A second
	// finalize on an already-terminal execution returns
	// domain.ErrAlreadyFinalized and leaves the stored state untouched.
	Finalize(ctx context.Context, req FinalizeRequest) error

	// GetExecution returns one execution with its step/group records.
	GetExecution(ctx context.Context, executionID uuid.UUID) (*domain.ExecutionRecord, error)

	// ListExecutions returns a simulation's executions, newest first.
	ListExecutions(ctx context.Context, simulationID uuid.UUID, limit, offset int) ([]domain.Execution, error)

	// DeleteSimulation cascades: stage records, then executions. The
	// ownership graph is explicit here, not implicit database behavior.
	DeleteSimulation(ctx context.Context, simulationID uuid.UUID) error

	Close()
}
