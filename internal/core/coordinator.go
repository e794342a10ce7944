package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fleetsim/fleetsim/internal/domain"
	"github.com/fleetsim/fleetsim/internal/ports"
)

// Coordinator owns the lifecycle of simulation runs. It freezes an
// execution plan at start, drives stages through a StageRunner, and
// reconciles the terminal outcome into the history store in a single
// transactional write.
type Coordinator struct {
	defs     ports.DefinitionSource
	history  ports.HistoryStore
	progress ports.ProgressStore
	clock    ports.Clock
	runner   *StageRunner
	logger   *slog.Logger
	cfg      *domain.Config

	mu     sync.Mutex
	active map[uuid.UUID]*activeRun
	wg     sync.WaitGroup
}

// activeRun is the in-memory state of one running execution. A run is
// inserted into the coordinator's active map as a reservation before its
// execution row exists; activate fills in the identity once the row is
// durable. Its tracker holds the last-known repeat, status and instances
// per stage, used when the progress store cannot be read.
type activeRun struct {
	cancel        context.CancelFunc
	stopRequested atomic.Bool
	done          chan struct{}

	mu          sync.Mutex
	ready       bool
	executionID uuid.UUID
	plan        *domain.ExecutionPlan
	startedAt   time.Time
	tracked     map[string]stageTrack
}

type stageTrack struct {
	repeat    int
	status    domain.ExecutionStatus
	instances []domain.Instance
}

func (r *activeRun) activate(executionID uuid.UUID, plan *domain.ExecutionPlan, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executionID = executionID
	r.plan = plan
	r.startedAt = startedAt
	r.ready = true
}

func (r *activeRun) snapshot() (uuid.UUID, *domain.ExecutionPlan, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executionID, r.plan, r.startedAt, r.ready
}

func (r *activeRun) track(ref string, repeat int, status domain.ExecutionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tracked[ref]
	t.repeat = repeat
	t.status = status
	r.tracked[ref] = t
}

func (r *activeRun) trackInstances(ref string, instances []domain.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tracked[ref]
	t.instances = instances
	r.tracked[ref] = t
}

func (r *activeRun) lastKnown(ref string) (stageTrack, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracked[ref]
	return t, ok
}

func NewCoordinator(defs ports.DefinitionSource, history ports.HistoryStore, progress ports.ProgressStore, pods ports.PodGateway, clock ports.Clock, cfg *domain.Config) (*Coordinator, error) {
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &Coordinator{
		defs:     defs,
		history:  history,
		progress: progress,
		clock:    clock,
		runner:   NewStageRunner(pods, progress, clock, cfg.Runner, cfg.Logger),
		logger:   cfg.Logger.With("component", "coordinator"),
		cfg:      cfg,
		active:   make(map[uuid.UUID]*activeRun),
	}, nil
}

// Start freezes the simulation's current definitions into an execution
// plan, records the new execution, and launches the run. A simulation
// with a non-terminal execution cannot start a second one.
func (c *Coordinator) Start(ctx context.Context, simulationID uuid.UUID) (*domain.Execution, error) {
	sim, err := c.defs.Simulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if sim.Deleted() {
		return nil, domain.ErrNotFound
	}

	// Reserve the simulation's active slot before any further I/O so two
	// concurrent Starts can never both reach CreateExecution. Every error
	// path below must go through release.
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		cancel:  cancel,
		done:    make(chan struct{}),
		tracked: make(map[string]stageTrack),
	}

	c.mu.Lock()
	if existing, ok := c.active[simulationID]; ok {
		c.mu.Unlock()
		cancel()
		executionID, _, _, _ := existing.snapshot()
		return nil, &domain.ConflictError{SimulationID: simulationID, ExecutionID: executionID}
	}
	c.active[simulationID] = run
	c.mu.Unlock()

	release := func() {
		cancel()
		c.mu.Lock()
		delete(c.active, simulationID)
		c.mu.Unlock()
		close(run.done)
	}

	// The in-memory reservation misses executions left non-terminal by a
	// prior process; the history store is the durable authority.
	if existing, err := c.history.ActiveExecution(ctx, simulationID); err == nil {
		release()
		return nil, &domain.ConflictError{SimulationID: simulationID, ExecutionID: existing.ID}
	} else if !errors.Is(err, domain.ErrNotFound) {
		release()
		return nil, err
	}

	steps, err := c.defs.Steps(ctx, simulationID)
	if err != nil {
		release()
		return nil, err
	}
	groups, err := c.defs.Groups(ctx, simulationID)
	if err != nil {
		release()
		return nil, err
	}
	templates, err := c.loadTemplates(ctx, steps, groups)
	if err != nil {
		release()
		return nil, err
	}

	if sim.Namespace == "" {
		sim.Namespace = c.cfg.Namespace
	}

	now := c.clock.Now()
	plan, err := domain.FreezePlan(sim, steps, groups, templates, now)
	if err != nil {
		release()
		return nil, err
	}
	rawPlan, err := plan.Encode()
	if err != nil {
		release()
		return nil, err
	}

	execution := &domain.Execution{
		ID:            uuid.New(),
		SimulationID:  simulationID,
		PatternType:   sim.PatternType,
		Status:        domain.ExecutionStatusRunning,
		StartedAt:     now,
		ExecutionPlan: rawPlan,
		CreatedAt:     now,
	}
	if err := c.history.CreateExecution(ctx, execution); err != nil {
		release()
		return nil, err
	}

	run.activate(execution.ID, plan, now)

	c.logger.Info("execution started",
		"simulation_id", simulationID,
		"execution_id", execution.ID,
		"pattern", sim.PatternType,
		"stages", len(plan.Stages),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(run.done)
		c.execute(runCtx, simulationID, sim.Name, run)
	}()

	return execution, nil
}

// Stop requests cooperative cancellation of the simulation's active run
// and returns immediately. The run reaches its terminal state and is
// reconciled asynchronously.
func (c *Coordinator) Stop(ctx context.Context, simulationID uuid.UUID) error {
	c.mu.Lock()
	run, ok := c.active[simulationID]
	c.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	run.stopRequested.Store(true)
	run.cancel()
	executionID, _, _, _ := run.snapshot()
	c.logger.Info("stop requested", "simulation_id", simulationID, "execution_id", executionID)
	return nil
}

// Status returns the live view while a run is active, reading repeat
// counters and stage statuses from the progress store with the in-memory
// tracker as fallback. Once no run is active it answers from history.
func (c *Coordinator) Status(ctx context.Context, simulationID uuid.UUID) (*domain.RunStatus, error) {
	c.mu.Lock()
	run, ok := c.active[simulationID]
	c.mu.Unlock()

	if ok {
		return c.liveStatus(ctx, simulationID, run), nil
	}
	return c.historicalStatus(ctx, simulationID)
}

func (c *Coordinator) liveStatus(ctx context.Context, simulationID uuid.UUID, run *activeRun) *domain.RunStatus {
	executionID, plan, startedAt, ready := run.snapshot()
	status := &domain.RunStatus{
		SimulationID: simulationID,
		ExecutionID:  executionID,
		Status:       domain.ExecutionStatusRunning,
		Active:       true,
		StartedAt:    startedAt,
	}
	if !ready {
		// Start has reserved the slot but not yet recorded the execution.
		status.Status = domain.ExecutionStatusPending
		return status
	}
	// A requested stop is reported immediately, even while the stages are
	// still winding down and the terminal write is in flight.
	if run.stopRequested.Load() {
		status.Status = domain.ExecutionStatusStopped
	}

	for _, stage := range plan.Stages {
		ref := stage.Ref()
		ss := domain.StageStatus{
			Ref:          ref,
			Kind:         stage.Kind,
			Status:       domain.ExecutionStatusPending,
			TotalRepeats: stage.RepeatCount,
		}

		repeat, haveRepeat, err := c.progress.Get(ctx, domain.RepeatCounterKey(simulationID, ref))
		if err == nil && haveRepeat {
			ss.CurrentRepeat = int(repeat)
		}
		live, haveStatus, serr := c.progress.Status(ctx, domain.StageStatusKey(simulationID, ref))
		if serr == nil && haveStatus {
			ss.Status = domain.ExecutionStatus(live)
		}

		t, tracked := run.lastKnown(ref)
		if (err != nil || serr != nil || !haveStatus) && tracked {
			ss.CurrentRepeat = t.repeat
			ss.Status = t.status
		}
		if tracked {
			ss.Instances = t.instances
		}

		status.Stages = append(status.Stages, ss)
	}
	return status
}

func (c *Coordinator) historicalStatus(ctx context.Context, simulationID uuid.UUID) (*domain.RunStatus, error) {
	executions, err := c.history.ListExecutions(ctx, simulationID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(executions) == 0 {
		return nil, domain.ErrNotFound
	}

	record, err := c.history.GetExecution(ctx, executions[0].ID)
	if err != nil {
		return nil, err
	}

	execution := record.Execution
	status := &domain.RunStatus{
		SimulationID: simulationID,
		ExecutionID:  execution.ID,
		Status:       execution.Status,
		StartedAt:    execution.StartedAt,
		FinishedAt:   terminalTimestamp(&execution),
	}
	for _, step := range record.Steps {
		status.Stages = append(status.Stages, domain.StageStatus{
			Ref:           domain.Stage{Kind: domain.StageKindStep, StepOrder: step.StepOrder}.Ref(),
			Kind:          domain.StageKindStep,
			Status:        step.Status,
			CurrentRepeat: step.CurrentRepeat,
			TotalRepeats:  step.TotalRepeats,
		})
	}
	for _, group := range record.Groups {
		status.Stages = append(status.Stages, domain.StageStatus{
			Ref:           domain.Stage{Kind: domain.StageKindGroup, Name: group.GroupName}.Ref(),
			Kind:          domain.StageKindGroup,
			Status:        group.Status,
			CurrentRepeat: group.CurrentRepeat,
			TotalRepeats:  group.TotalRepeats,
		})
	}
	return status, nil
}

// Close stops every active run and waits for reconciliation to finish.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	for _, run := range c.active {
		run.stopRequested.Store(true)
		run.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) loadTemplates(ctx context.Context, steps []domain.Step, groups []domain.Group) (map[uuid.UUID]domain.Template, error) {
	templates := make(map[uuid.UUID]domain.Template)
	fetch := func(id uuid.UUID) error {
		if _, ok := templates[id]; ok {
			return nil
		}
		tpl, err := c.defs.Template(ctx, id)
		if err != nil {
			return err
		}
		templates[id] = *tpl
		return nil
	}
	for _, step := range steps {
		if err := fetch(step.TemplateID); err != nil {
			return nil, err
		}
	}
	for _, group := range groups {
		if err := fetch(group.TemplateID); err != nil {
			return nil, err
		}
	}
	return templates, nil
}

// stageResult pairs a planned stage with what actually happened to it.
// A stage that never started keeps ran=false and produces no execution
// record.
type stageResult struct {
	stage    domain.Stage
	outcome  domain.StageOutcome
	started  time.Time
	finished time.Time
	ran      bool
}

func (c *Coordinator) execute(ctx context.Context, simulationID uuid.UUID, simulationName string, run *activeRun) {
	scope := RunScope{
		SimulationID:   simulationID,
		SimulationName: simulationName,
		ExecutionID:    run.executionID,
		Namespace:      run.plan.Namespace,
		Track:          run.track,
		TrackInstances: run.trackInstances,
	}

	results := make([]stageResult, len(run.plan.Stages))
	for i, stage := range run.plan.Stages {
		results[i] = stageResult{stage: stage}
	}

	switch run.plan.PatternType {
	case domain.PatternSequential:
		for i := range results {
			if ctx.Err() != nil {
				// Stages past the stop point never start and leave no
				// execution record.
				break
			}
			c.runStage(ctx, scope, &results[i])
			if results[i].outcome.Status != domain.ExecutionStatusCompleted {
				break
			}
		}
	case domain.PatternParallel:
		// Groups are independent: one group's failure never cancels its
		// siblings, so no shared-cancel group context here.
		var g errgroup.Group
		for i := range results {
			result := &results[i]
			g.Go(func() error {
				c.runStage(ctx, scope, result)
				return nil
			})
		}
		_ = g.Wait()
	}

	finalStatus := c.finalStatus(run, results)
	summary, stepRecords, groupRecords := c.buildSummary(run, results)

	c.logger.Info("execution finished",
		"simulation_id", simulationID,
		"execution_id", run.executionID,
		"status", finalStatus,
		"pods_created", summary.PodsCreated,
	)

	c.finalize(simulationID, run, finalStatus, summary, stepRecords, groupRecords)
}

func (c *Coordinator) runStage(ctx context.Context, scope RunScope, result *stageResult) {
	result.ran = true
	result.started = c.clock.Now()
	result.outcome = c.runner.Run(ctx, scope, result.stage)
	result.finished = c.clock.Now()
}

// finalStatus applies the precedence: a requested stop always reports
// STOPPED, even when a stage also failed while winding down.
func (c *Coordinator) finalStatus(run *activeRun, results []stageResult) domain.ExecutionStatus {
	if run.stopRequested.Load() {
		return domain.ExecutionStatusStopped
	}
	for _, result := range results {
		if result.ran && result.outcome.Status == domain.ExecutionStatusFailed {
			return domain.ExecutionStatusFailed
		}
	}
	for _, result := range results {
		if result.ran && result.outcome.Status == domain.ExecutionStatusStopped {
			return domain.ExecutionStatusStopped
		}
	}
	return domain.ExecutionStatusCompleted
}

func (c *Coordinator) buildSummary(run *activeRun, results []stageResult) (*domain.ResultSummary, []domain.StepExecution, []domain.GroupExecution) {
	summary := &domain.ResultSummary{TotalStages: len(results)}
	var stepRecords []domain.StepExecution
	var groupRecords []domain.GroupExecution

	for _, result := range results {
		if !result.ran {
			continue
		}
		outcome := result.outcome
		switch outcome.Status {
		case domain.ExecutionStatusCompleted:
			summary.CompletedStages++
		case domain.ExecutionStatusFailed:
			summary.FailedStages++
		case domain.ExecutionStatusStopped:
			summary.StoppedStages++
		}
		summary.PodsCreated += outcome.PodsCreated

		stage := result.stage
		summary.Stages = append(summary.Stages, domain.StageResult{
			Kind:          stage.Kind,
			StepOrder:     stage.StepOrder,
			GroupName:     stage.Name,
			Status:        outcome.Status,
			CurrentRepeat: outcome.LastRepeat,
			TotalRepeats:  stage.RepeatCount,
			ErrorCode:     outcome.ErrorCode,
			ErrorMessage:  outcome.ErrorMessage,
		})

		started := result.started
		finished := result.finished
		switch stage.Kind {
		case domain.StageKindStep:
			stepRecords = append(stepRecords, domain.StepExecution{
				ID:            uuid.New(),
				ExecutionID:   run.executionID,
				StepID:        stage.StageID,
				StepOrder:     stage.StepOrder,
				AgentCount:    stage.AgentCount,
				CurrentRepeat: outcome.LastRepeat,
				TotalRepeats:  stage.RepeatCount,
				Status:        outcome.Status,
				ErrorCode:     outcome.ErrorCode,
				ErrorMessage:  outcome.ErrorMessage,
				StartedAt:     &started,
				FinishedAt:    &finished,
			})
		case domain.StageKindGroup:
			groupRecords = append(groupRecords, domain.GroupExecution{
				ID:            uuid.New(),
				ExecutionID:   run.executionID,
				GroupID:       stage.StageID,
				GroupName:     stage.Name,
				AgentCount:    stage.AgentCount,
				CurrentRepeat: outcome.LastRepeat,
				TotalRepeats:  stage.RepeatCount,
				Status:        outcome.Status,
				ErrorCode:     outcome.ErrorCode,
				ErrorMessage:  outcome.ErrorMessage,
				StartedAt:     &started,
				FinishedAt:    &finished,
			})
		}
	}

	return summary, stepRecords, groupRecords
}

// finalize pushes the terminal write into the history store, retrying
// with exponential backoff. The progress mirror is cleaned up only after
// history has durably accepted the outcome.
func (c *Coordinator) finalize(simulationID uuid.UUID, run *activeRun, status domain.ExecutionStatus, summary *domain.ResultSummary, steps []domain.StepExecution, groups []domain.GroupExecution) {
	logger := c.logger.With("simulation_id", simulationID, "execution_id", run.executionID)

	req := ports.FinalizeRequest{
		ExecutionID:   run.executionID,
		Status:        status,
		ResultSummary: summary,
		FinishedAt:    c.clock.Now(),
		Steps:         steps,
		Groups:        groups,
	}
	if status == domain.ExecutionStatusFailed {
		req.FailureReason = failureReason(summary)
	}

	ctx := context.Background()
	var lastErr error
	delay := c.cfg.Reconcile.BaseDelay
	for attempt := 1; attempt <= c.cfg.Reconcile.MaxAttempts; attempt++ {
		err := c.history.Finalize(ctx, req)
		if err == nil || errors.Is(err, domain.ErrAlreadyFinalized) {
			lastErr = nil
			break
		}
		lastErr = err
		logger.Warn("finalize attempt failed", "attempt", attempt, "error", err.Error())
		if attempt == c.cfg.Reconcile.MaxAttempts {
			break
		}
		<-c.clock.After(delay)
		delay *= 2
		if delay > c.cfg.Reconcile.MaxDelay {
			delay = c.cfg.Reconcile.MaxDelay
		}
	}

	if lastErr != nil {
		// A non-terminal execution row now dangles in history. Surface it
		// loudly; the progress mirror is kept so operators can still see
		// where the run got to.
		rErr := &domain.ReconciliationError{
			ExecutionID: run.executionID,
			Attempts:    c.cfg.Reconcile.MaxAttempts,
			Err:         lastErr,
		}
		logger.Error("terminal reconciliation failed", "error", rErr.Error())
	} else {
		for _, prefix := range domain.SimulationProgressPrefix(simulationID) {
			if _, err := c.progress.DeletePrefix(ctx, prefix); err != nil {
				logger.Warn("progress cleanup failed", "prefix", prefix, "error", err.Error())
			}
		}
	}

	c.mu.Lock()
	delete(c.active, simulationID)
	c.mu.Unlock()
}

func failureReason(summary *domain.ResultSummary) string {
	for _, stage := range summary.Stages {
		if stage.Status == domain.ExecutionStatusFailed && stage.ErrorMessage != "" {
			return stage.ErrorMessage
		}
	}
	return "one or more stages failed"
}

func terminalTimestamp(execution *domain.Execution) *time.Time {
	switch execution.Status {
	case domain.ExecutionStatusCompleted:
		return execution.CompletedAt
	case domain.ExecutionStatusFailed:
		return execution.FailedAt
	case domain.ExecutionStatusStopped:
		return execution.StoppedAt
	}
	return nil
}
