// Package fleetsim provides a Kubernetes-backed agent fleet simulation
// engine.
//
// A simulation describes a fleet of agent pods to run against a cluster,
// either as ordered sequential steps or as independent parallel groups.
// Each stage provisions its pods, waits for them to become ready, tears
// them down, and repeats for its configured repeat count.
//
// Basic usage:
//
//	cfg := fleetsim.NewConfigBuilder("./data", os.Getenv("DATABASE_URL")).
//		WithNamespace("load-tests").
//		Build()
//	client, err := fleetsim.New(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close(ctx)
//
//	execution, err := client.StartSimulation(ctx, simulationID)
package fleetsim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsim/fleetsim/internal/adapters/definitions"
	"github.com/fleetsim/fleetsim/internal/adapters/history"
	"github.com/fleetsim/fleetsim/internal/adapters/pods"
	"github.com/fleetsim/fleetsim/internal/adapters/progress"
	"github.com/fleetsim/fleetsim/internal/core"
	"github.com/fleetsim/fleetsim/internal/domain"
	"github.com/fleetsim/fleetsim/internal/ports"
)

type Config = domain.Config

type RunnerConfig = domain.RunnerConfig

type ProgressConfig = domain.ProgressConfig

type ReconcileConfig = domain.ReconcileConfig

type PatternType = domain.PatternType

const (
	PatternSequential PatternType = domain.PatternSequential
	PatternParallel   PatternType = domain.PatternParallel
)

type ExecutionStatus = domain.ExecutionStatus

const (
	ExecutionStatusPending   ExecutionStatus = domain.ExecutionStatusPending
	ExecutionStatusRunning   ExecutionStatus = domain.ExecutionStatusRunning
	ExecutionStatusCompleted ExecutionStatus = domain.ExecutionStatusCompleted
	ExecutionStatusFailed    ExecutionStatus = domain.ExecutionStatusFailed
	ExecutionStatusStopped   ExecutionStatus = domain.ExecutionStatusStopped
)

type Execution = domain.Execution

type ExecutionRecord = domain.ExecutionRecord

type ResultSummary = domain.ResultSummary

type RunStatus = domain.RunStatus

type StageStatus = domain.StageStatus

var (
	ErrNotFound         = domain.ErrNotFound
	ErrAlreadyFinalized = domain.ErrAlreadyFinalized
	ErrInvalidConfig    = domain.ErrInvalidConfig
)

// IsConflict reports whether err rejects a start because the simulation
// already has an active execution.
func IsConflict(err error) bool { return domain.IsConflict(err) }

func IsNotFound(err error) bool { return domain.IsNotFound(err) }

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// Client wires the coordinator to its production adapters: PostgreSQL
// for definitions and execution history, badger for live progress, and
// the cluster's pod API for provisioning.
type Client struct {
	coordinator *core.Coordinator
	history     *history.Store
	progress    *progress.Store
	logger      *slog.Logger
}

// New connects every adapter, applies pending schema migrations, and
// returns a ready client.
func New(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if cfg.HistoryDSN == "" {
		return nil, fmt.Errorf("%w: history DSN must be set", domain.ErrInvalidConfig)
	}
	logger := cfg.Logger

	historyStore, err := history.New(ctx, cfg.HistoryDSN, logger)
	if err != nil {
		return nil, err
	}
	if err := historyStore.Migrate(ctx); err != nil {
		historyStore.Close()
		return nil, err
	}

	progressStore, err := progress.Open(cfg.DataDir, cfg.Progress.TTL, logger)
	if err != nil {
		historyStore.Close()
		return nil, err
	}

	gateway, err := pods.NewKubernetesGateway(logger)
	if err != nil {
		historyStore.Close()
		_ = progressStore.Close()
		return nil, err
	}

	defs := definitions.New(historyStore.Pool(), logger)

	coordinator, err := core.NewCoordinator(defs, historyStore, progressStore, gateway, ports.SystemClock(), cfg)
	if err != nil {
		historyStore.Close()
		_ = progressStore.Close()
		return nil, err
	}

	return &Client{
		coordinator: coordinator,
		history:     historyStore,
		progress:    progressStore,
		logger:      logger,
	}, nil
}

// StartSimulation freezes the simulation's definitions and launches a
// new execution. It returns a ConflictError while another execution of
// the same simulation is still active.
func (c *Client) StartSimulation(ctx context.Context, simulationID uuid.UUID) (*Execution, error) {
	return c.coordinator.Start(ctx, simulationID)
}

// StopSimulation requests cooperative cancellation and returns without
// waiting for the run to wind down.
func (c *Client) StopSimulation(ctx context.Context, simulationID uuid.UUID) error {
	return c.coordinator.Stop(ctx, simulationID)
}

// SimulationStatus returns the live view of an active run, or the last
// recorded execution once no run is active.
func (c *Client) SimulationStatus(ctx context.Context, simulationID uuid.UUID) (*RunStatus, error) {
	return c.coordinator.Status(ctx, simulationID)
}

// GetExecution reads one execution with its per-stage records.
func (c *Client) GetExecution(ctx context.Context, executionID uuid.UUID) (*ExecutionRecord, error) {
	return c.history.GetExecution(ctx, executionID)
}

// ListExecutions returns a simulation's execution history, newest first.
func (c *Client) ListExecutions(ctx context.Context, simulationID uuid.UUID, limit, offset int) ([]Execution, error) {
	return c.history.ListExecutions(ctx, simulationID, limit, offset)
}

// DeleteSimulationHistory removes every execution record of a
// simulation, stage records included.
func (c *Client) DeleteSimulationHistory(ctx context.Context, simulationID uuid.UUID) error {
	return c.history.DeleteSimulation(ctx, simulationID)
}

// Close stops active runs, waits for their terminal writes, and releases
// the stores.
func (c *Client) Close(ctx context.Context) error {
	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	err := c.coordinator.Close(shutdownCtx)
	if cerr := c.progress.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.history.Close()
	return err
}
