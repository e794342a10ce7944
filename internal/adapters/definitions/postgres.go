// Package definitions reads simulation, stage, and template definitions
// from PostgreSQL. The controller never writes here; definitions are
// owned by the surrounding API layer.
package definitions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetsim/fleetsim/internal/domain"
)

type Source struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps a pgx pool, usually the one the history store already holds.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{pool: pool, logger: logger.With("component", "definition-source")}
}

func (s *Source) Simulation(ctx context.Context, id uuid.UUID) (*domain.Simulation, error) {
	var (
		sim     domain.Simulation
		pattern string
		status  string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, pattern_type, namespace, expected_pods, actual_pods, status,
		        started_at, completed_at, stopped_at, failed_at, created_at, deleted_at
		 FROM simulations WHERE id = $1`, id,
	).Scan(&sim.ID, &sim.Name, &pattern, &sim.Namespace, &sim.ExpectedPods, &sim.ActualPods, &status,
		&sim.StartedAt, &sim.CompletedAt, &sim.StoppedAt, &sim.FailedAt, &sim.CreatedAt, &sim.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("definitions: get simulation: %w", err)
	}
	sim.PatternType = domain.PatternType(pattern)
	sim.Status = domain.SimulationStatus(status)
	return &sim, nil
}

func (s *Source) Steps(ctx context.Context, simulationID uuid.UUID) ([]domain.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, simulation_id, step_order, template_id, agent_count,
		        execution_time_seconds, delay_seconds, repeat_count, current_repeat, status
		 FROM simulation_steps WHERE simulation_id = $1 ORDER BY step_order`, simulationID)
	if err != nil {
		return nil, fmt.Errorf("definitions: list steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		var (
			step         domain.Step
			execSeconds  int64
			delaySeconds int64
			status       string
		)
		if err := rows.Scan(&step.ID, &step.SimulationID, &step.StepOrder, &step.TemplateID, &step.AgentCount,
			&execSeconds, &delaySeconds, &step.RepeatCount, &step.CurrentRepeat, &status); err != nil {
			return nil, fmt.Errorf("definitions: scan step: %w", err)
		}
		step.ExecutionTime = time.Duration(execSeconds) * time.Second
		step.DelayAfterCompletion = time.Duration(delaySeconds) * time.Second
		step.Status = domain.StepStatus(status)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *Source) Groups(ctx context.Context, simulationID uuid.UUID) ([]domain.Group, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, simulation_id, group_name, template_id, agent_count, assigned_area,
		        execution_time_seconds, repeat_count, current_repeat, status
		 FROM simulation_groups WHERE simulation_id = $1 ORDER BY group_name`, simulationID)
	if err != nil {
		return nil, fmt.Errorf("definitions: list groups: %w", err)
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		var (
			group       domain.Group
			execSeconds int64
			status      string
		)
		if err := rows.Scan(&group.ID, &group.SimulationID, &group.Name, &group.TemplateID, &group.AgentCount,
			&group.AssignedArea, &execSeconds, &group.RepeatCount, &group.CurrentRepeat, &status); err != nil {
			return nil, fmt.Errorf("definitions: scan group: %w", err)
		}
		group.ExecutionTime = time.Duration(execSeconds) * time.Second
		group.Status = domain.GroupStatus(status)
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *Source) Template(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	var tpl domain.Template
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, image, command, env FROM templates WHERE id = $1`, id,
	).Scan(&tpl.ID, &tpl.Name, &tpl.Image, &tpl.Command, &tpl.Env)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("definitions: get template: %w", err)
	}
	return &tpl, nil
}
