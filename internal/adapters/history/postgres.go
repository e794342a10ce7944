// Package history implements the durable execution history store on
// PostgreSQL. It is the system of record once a run reaches a terminal
// boundary; live repeat progress never lands here.
package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetsim/fleetsim/internal/domain"
	"github.com/fleetsim/fleetsim/internal/ports"
	"github.com/fleetsim/fleetsim/migrations"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a store backed by a pgx connection pool.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return &Store{pool: pool, logger: logger.With("component", "history-store")}, nil
}

// NewWithPool wraps an existing pool, shared with the definition source.
func NewWithPool(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger.With("component", "history-store")}
}

// Pool exposes the underlying pool for the definition source.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies the embedded schema files in lexical order.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return fmt.Errorf("history: list migrations: %w", err)
	}
	sort.Strings(entries)
	for _, name := range entries {
		raw, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("history: read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(raw)); err != nil {
			return fmt.Errorf("history: apply migration %s: %w", name, err)
		}
		s.logger.Info("migration applied", "file", name)
	}
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, execution *domain.Execution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO executions (id, simulation_id, pattern_type, status, started_at, execution_plan, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		execution.ID, execution.SimulationID, string(execution.PatternType), string(execution.Status),
		execution.StartedAt, []byte(execution.ExecutionPlan), execution.CreatedAt,
	)
	if err != nil {
		// The partial unique index rejects a second non-terminal
		// execution for the same simulation.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &domain.ConflictError{SimulationID: execution.SimulationID}
		}
		return fmt.Errorf("history: create execution: %w", err)
	}
	return nil
}

func (s *Store) ActiveExecution(ctx context.Context, simulationID uuid.UUID) (*domain.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, simulation_id, pattern_type, status, started_at, completed_at, stopped_at, failed_at,
		        execution_plan, result_summary, failure_reason, created_at, updated_at
		 FROM executions
		 WHERE simulation_id = $1 AND status IN ('PENDING', 'RUNNING')
		 ORDER BY started_at DESC LIMIT 1`, simulationID)
	execution, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: active execution: %w", err)
	}
	return execution, nil
}

// Finalize performs the single reconciliation write: the terminal status
// update and every stage row land in one transaction. The non-terminal
// status precondition makes a second finalize a rejected no-op.
func (s *Store) Finalize(ctx context.Context, req ports.FinalizeRequest) error {
	if !req.Status.Terminal() {
		return fmt.Errorf("history: finalize with non-terminal status %s", req.Status)
	}

	var summary []byte
	if req.ResultSummary != nil {
		raw, err := json.Marshal(req.ResultSummary)
		if err != nil {
			return fmt.Errorf("history: encode result summary: %w", err)
		}
		summary = raw
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history: begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	terminalColumn := map[domain.ExecutionStatus]string{
		domain.ExecutionStatusCompleted: "completed_at",
		domain.ExecutionStatusFailed:    "failed_at",
		domain.ExecutionStatusStopped:   "stopped_at",
	}[req.Status]

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE executions
		 SET status = $1, %s = $2, result_summary = $3, failure_reason = $4, updated_at = $2
		 WHERE id = $5 AND status IN ('PENDING', 'RUNNING')`, terminalColumn),
		string(req.Status), req.FinishedAt, summary, req.FailureReason, req.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("history: finalize execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, req.ExecutionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("history: finalize precondition: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadyFinalized
	}

	for _, step := range req.Steps {
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO step_executions (id, execution_id, step_id, step_order, agent_count, current_repeat,
			                              total_repeats, status, error_code, error_message, started_at, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			step.ID, req.ExecutionID, step.StepID, step.StepOrder, step.AgentCount, step.CurrentRepeat,
			step.TotalRepeats, string(step.Status), step.ErrorCode, step.ErrorMessage, step.StartedAt, step.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("history: write step execution: %w", err)
		}
	}

	for _, group := range req.Groups {
		if group.ID == uuid.Nil {
			group.ID = uuid.New()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO group_executions (id, execution_id, group_id, group_name, agent_count, current_repeat,
			                               total_repeats, status, error_code, error_message, started_at, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			group.ID, req.ExecutionID, group.GroupID, group.GroupName, group.AgentCount, group.CurrentRepeat,
			group.TotalRepeats, string(group.Status), group.ErrorCode, group.ErrorMessage, group.StartedAt, group.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("history: write group execution: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history: commit finalize: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID uuid.UUID) (*domain.ExecutionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, simulation_id, pattern_type, status, started_at, completed_at, stopped_at, failed_at,
		        execution_plan, result_summary, failure_reason, created_at, updated_at
		 FROM executions WHERE id = $1`, executionID)
	execution, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get execution: %w", err)
	}

	record := &domain.ExecutionRecord{Execution: *execution}

	rows, err := s.pool.Query(ctx,
		`SELECT id, step_id, step_order, agent_count, current_repeat, total_repeats,
		        status, error_code, error_message, started_at, finished_at
		 FROM step_executions WHERE execution_id = $1 ORDER BY step_order`, executionID)
	if err != nil {
		return nil, fmt.Errorf("history: list step executions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		step := domain.StepExecution{ExecutionID: executionID}
		var status string
		if err := rows.Scan(&step.ID, &step.StepID, &step.StepOrder, &step.AgentCount, &step.CurrentRepeat,
			&step.TotalRepeats, &status, &step.ErrorCode, &step.ErrorMessage, &step.StartedAt, &step.FinishedAt); err != nil {
			return nil, fmt.Errorf("history: scan step execution: %w", err)
		}
		step.Status = domain.ExecutionStatus(status)
		record.Steps = append(record.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: step executions: %w", err)
	}

	groupRows, err := s.pool.Query(ctx,
		`SELECT id, group_id, group_name, agent_count, current_repeat, total_repeats,
		        status, error_code, error_message, started_at, finished_at
		 FROM group_executions WHERE execution_id = $1 ORDER BY group_name`, executionID)
	if err != nil {
		return nil, fmt.Errorf("history: list group executions: %w", err)
	}
	defer groupRows.Close()
	for groupRows.Next() {
		group := domain.GroupExecution{ExecutionID: executionID}
		var status string
		if err := groupRows.Scan(&group.ID, &group.GroupID, &group.GroupName, &group.AgentCount, &group.CurrentRepeat,
			&group.TotalRepeats, &status, &group.ErrorCode, &group.ErrorMessage, &group.StartedAt, &group.FinishedAt); err != nil {
			return nil, fmt.Errorf("history: scan group execution: %w", err)
		}
		group.Status = domain.ExecutionStatus(status)
		record.Groups = append(record.Groups, group)
	}
	if err := groupRows.Err(); err != nil {
		return nil, fmt.Errorf("history: group executions: %w", err)
	}

	return record, nil
}

func (s *Store) ListExecutions(ctx context.Context, simulationID uuid.UUID, limit, offset int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, simulation_id, pattern_type, status, started_at, completed_at, stopped_at, failed_at,
		        execution_plan, result_summary, failure_reason, created_at, updated_at
		 FROM executions WHERE simulation_id = $1
		 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		simulationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("history: list executions: %w", err)
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan execution: %w", err)
		}
		executions = append(executions, *execution)
	}
	return executions, rows.Err()
}

// DeleteSimulation walks the ownership graph explicitly: stage records,
// executions, then the simulation's own rows.
func (s *Store) DeleteSimulation(ctx context.Context, simulationID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history: begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	statements := []string{
		`DELETE FROM step_executions WHERE execution_id IN (SELECT id FROM executions WHERE simulation_id = $1)`,
		`DELETE FROM group_executions WHERE execution_id IN (SELECT id FROM executions WHERE simulation_id = $1)`,
		`DELETE FROM executions WHERE simulation_id = $1`,
		`DELETE FROM simulation_steps WHERE simulation_id = $1`,
		`DELETE FROM simulation_groups WHERE simulation_id = $1`,
		`DELETE FROM simulations WHERE id = $1`,
	}
	for _, statement := range statements {
		if _, err := tx.Exec(ctx, statement, simulationID); err != nil {
			return fmt.Errorf("history: cascade delete: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history: commit delete: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var (
		execution domain.Execution
		pattern   string
		status    string
		plan      []byte
		summary   []byte
	)
	err := row.Scan(&execution.ID, &execution.SimulationID, &pattern, &status,
		&execution.StartedAt, &execution.CompletedAt, &execution.StoppedAt, &execution.FailedAt,
		&plan, &summary, &execution.FailureReason, &execution.CreatedAt, &execution.UpdatedAt)
	if err != nil {
		return nil, err
	}
	execution.PatternType = domain.PatternType(pattern)
	execution.Status = domain.ExecutionStatus(status)
	execution.ExecutionPlan = plan
	if len(summary) > 0 {
		var parsed domain.ResultSummary
		if err := json.Unmarshal(summary, &parsed); err != nil {
			return nil, fmt.Errorf("decode result summary: %w", err)
		}
		execution.ResultSummary = &parsed
	}
	return &execution, nil
}
