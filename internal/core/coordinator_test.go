package core

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsim/fleetsim/internal/domain"
	"github.com/fleetsim/fleetsim/internal/ports"
	"github.com/fleetsim/fleetsim/internal/testutil"
)

type coordinatorFixture struct {
	defs     *testutil.FakeDefinitionSource
	history  *testutil.MemoryHistoryStore
	progress *testutil.MemoryProgressStore
	pods     *testutil.FakePodGateway
	clock    *testutil.FakeClock
	coord    *Coordinator
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	f := &coordinatorFixture{
		defs:     testutil.NewFakeDefinitionSource(),
		history:  testutil.NewMemoryHistoryStore(),
		progress: testutil.NewMemoryProgressStore(),
		pods:     testutil.NewFakePodGateway(),
		clock:    testutil.NewFakeClock(time.Now()),
	}

	cfg := domain.DefaultConfig()
	cfg.Logger = discardLogger()
	cfg.Runner.PollInterval = time.Second
	cfg.Reconcile.BaseDelay = 10 * time.Millisecond

	coord, err := NewCoordinator(f.defs, f.history, f.progress, f.pods, f.clock, cfg)
	require.NoError(t, err)
	f.coord = coord

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	})
	return f
}

func (f *coordinatorFixture) addTemplate() domain.Template {
	tpl := domain.Template{ID: uuid.New(), Name: "agent", Image: "fleetsim/agent:1"}
	f.defs.Templates[tpl.ID] = &tpl
	return tpl
}

func (f *coordinatorFixture) addSequentialSimulation(name string, stepSpecs ...domain.Step) uuid.UUID {
	tpl := f.addTemplate()
	simID := uuid.New()
	f.defs.Simulations[simID] = &domain.Simulation{
		ID:          simID,
		Name:        name,
		PatternType: domain.PatternSequential,
		Namespace:   "fleetsim",
		Status:      domain.SimulationStatusPending,
	}
	for i := range stepSpecs {
		stepSpecs[i].ID = uuid.New()
		stepSpecs[i].SimulationID = simID
		stepSpecs[i].TemplateID = tpl.ID
	}
	f.defs.StepsBySim[simID] = stepSpecs
	return simID
}

func (f *coordinatorFixture) addParallelSimulation(name string, groupSpecs ...domain.Group) uuid.UUID {
	tpl := f.addTemplate()
	simID := uuid.New()
	f.defs.Simulations[simID] = &domain.Simulation{
		ID:          simID,
		Name:        name,
		PatternType: domain.PatternParallel,
		Namespace:   "fleetsim",
		Status:      domain.SimulationStatusPending,
	}
	for i := range groupSpecs {
		groupSpecs[i].ID = uuid.New()
		groupSpecs[i].SimulationID = simID
		groupSpecs[i].TemplateID = tpl.ID
	}
	f.defs.GroupsBySim[simID] = groupSpecs
	return simID
}

// awaitTerminal polls history until the execution reaches a terminal
// status.
func (f *coordinatorFixture) awaitTerminal(t *testing.T, executionID uuid.UUID) *domain.ExecutionRecord {
	t.Helper()
	var record *domain.ExecutionRecord
	require.Eventually(t, func() bool {
		r, err := f.history.GetExecution(context.Background(), executionID)
		if err != nil || !r.Execution.Status.Terminal() {
			return false
		}
		record = r
		return true
	}, 5*time.Second, 5*time.Millisecond)

	// The coordinator drops the run from its active set after finalize.
	require.Eventually(t, func() bool {
		status, err := f.coord.Status(context.Background(), record.Execution.SimulationID)
		return err == nil && !status.Active
	}, 5*time.Second, 5*time.Millisecond)
	return record
}

func TestCoordinatorSequentialRunCompletes(t *testing.T) {
	f := newCoordinatorFixture(t)
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 2, RepeatCount: 1, ExecutionTime: time.Minute},
		domain.Step{StepOrder: 2, AgentCount: 1, RepeatCount: 3, ExecutionTime: time.Minute},
		domain.Step{StepOrder: 3, AgentCount: 1, RepeatCount: 1, ExecutionTime: time.Minute},
	)

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)

	record := f.awaitTerminal(t, execution.ID)

	assert.Equal(t, domain.ExecutionStatusCompleted, record.Execution.Status)
	require.NotNil(t, record.Execution.CompletedAt)
	require.NotNil(t, record.Execution.ResultSummary)
	assert.Equal(t, 3, record.Execution.ResultSummary.TotalStages)
	assert.Equal(t, 3, record.Execution.ResultSummary.CompletedStages)
	assert.Equal(t, 6, record.Execution.ResultSummary.PodsCreated)

	require.Len(t, record.Steps, 3)
	for _, step := range record.Steps {
		assert.Equal(t, domain.ExecutionStatusCompleted, step.Status)
		assert.Equal(t, step.TotalRepeats, step.CurrentRepeat)
	}

	assert.Equal(t, 0, f.pods.ActiveCount())
}

func TestCoordinatorSequentialFailureSkipsLaterSteps(t *testing.T) {
	f := newCoordinatorFixture(t)
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 1, ExecutionTime: time.Minute},
		domain.Step{StepOrder: 2, AgentCount: 1, RepeatCount: 5, ExecutionTime: time.Minute},
		domain.Step{StepOrder: 3, AgentCount: 1, RepeatCount: 1, ExecutionTime: time.Minute},
	)
	// Step 2's second repeat cannot create its pod.
	f.pods.FailCreate("swarm-step-2-r2", "quota exceeded")

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)

	record := f.awaitTerminal(t, execution.ID)

	assert.Equal(t, domain.ExecutionStatusFailed, record.Execution.Status)
	require.NotNil(t, record.Execution.FailedAt)
	assert.Contains(t, record.Execution.FailureReason, "quota exceeded")

	// Step 3 never started and leaves no record at all.
	require.Len(t, record.Steps, 2)
	assert.Equal(t, domain.ExecutionStatusCompleted, record.Steps[0].Status)
	assert.Equal(t, domain.ExecutionStatusFailed, record.Steps[1].Status)
	assert.Equal(t, 2, record.Steps[1].CurrentRepeat)
	assert.Equal(t, 5, record.Steps[1].TotalRepeats)
	assert.Equal(t, "POD_CREATION_FAILED", record.Steps[1].ErrorCode)

	for _, name := range f.pods.CreatedNames() {
		assert.NotContains(t, name, "step-3")
	}
}

func TestCoordinatorParallelGroupsRunIndependently(t *testing.T) {
	f := newCoordinatorFixture(t)
	simID := f.addParallelSimulation("swarm",
		domain.Group{Name: "alpha", AgentCount: 1, RepeatCount: 5, ExecutionTime: time.Minute},
		domain.Group{Name: "beta", AgentCount: 2, RepeatCount: 2, ExecutionTime: time.Minute},
	)
	// Alpha dies at its second repeat; beta must still finish all of its
	// own repeats.
	f.pods.FailCreate("swarm-group-alpha-r2", "node pressure")

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)

	record := f.awaitTerminal(t, execution.ID)

	assert.Equal(t, domain.ExecutionStatusFailed, record.Execution.Status)
	require.Len(t, record.Groups, 2)

	byName := map[string]domain.GroupExecution{}
	for _, group := range record.Groups {
		byName[group.GroupName] = group
	}

	alpha := byName["alpha"]
	assert.Equal(t, domain.ExecutionStatusFailed, alpha.Status)
	assert.Equal(t, 2, alpha.CurrentRepeat)
	assert.Equal(t, 5, alpha.TotalRepeats)

	beta := byName["beta"]
	assert.Equal(t, domain.ExecutionStatusCompleted, beta.Status)
	assert.Equal(t, 2, beta.CurrentRepeat)

	summary := record.Execution.ResultSummary
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.FailedStages)
	assert.Equal(t, 1, summary.CompletedStages)
}

func TestCoordinatorStopMidRun(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.clock.Freeze()
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 1, ExecutionTime: time.Minute},
		domain.Step{StepOrder: 2, AgentCount: 1, RepeatCount: 4, ExecutionTime: 1000 * time.Hour},
		domain.Step{StepOrder: 3, AgentCount: 1, RepeatCount: 1, ExecutionTime: time.Minute},
	)
	// Step 2 never becomes ready, holding the run open until the stop.
	f.pods.StayPending("swarm-step-2")

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, name := range f.pods.CreatedNames() {
			if name == "swarm-step-2-r1-agent-0" {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, f.coord.Stop(context.Background(), simID))

	record := f.awaitTerminal(t, execution.ID)

	assert.Equal(t, domain.ExecutionStatusStopped, record.Execution.Status)
	require.NotNil(t, record.Execution.StoppedAt)

	require.Len(t, record.Steps, 2)
	assert.Equal(t, domain.ExecutionStatusCompleted, record.Steps[0].Status)
	assert.Equal(t, domain.ExecutionStatusStopped, record.Steps[1].Status)
	assert.Equal(t, 1, record.Steps[1].CurrentRepeat)

	for _, name := range f.pods.CreatedNames() {
		assert.NotContains(t, name, "step-3")
	}
	assert.Equal(t, 0, f.pods.ActiveCount())

	// Status after the stop answers from history and reports STOPPED.
	status, err := f.coord.Status(context.Background(), simID)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Equal(t, domain.ExecutionStatusStopped, status.Status)
}

func TestCoordinatorStopWithoutActiveRun(t *testing.T) {
	f := newCoordinatorFixture(t)
	err := f.coord.Stop(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoordinatorRejectsConcurrentStart(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.clock.Freeze()
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 1, ExecutionTime: 1000 * time.Hour},
	)
	f.pods.StayPending("swarm-step-1")

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)

	_, err = f.coord.Start(context.Background(), simID)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))

	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, execution.ID, conflict.ExecutionID)

	require.NoError(t, f.coord.Stop(context.Background(), simID))
	f.awaitTerminal(t, execution.ID)
}

func TestCoordinatorConcurrentStartsCreateOneExecution(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.clock.Freeze()
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 1, ExecutionTime: 1000 * time.Hour},
	)
	f.pods.StayPending("swarm-step-1")
	// Widen the window between the definition read and the execution
	// insert so racing starts overlap there.
	f.defs.ReadDelay = 20 * time.Millisecond

	type outcome struct {
		execution *domain.Execution
		err       error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			execution, err := f.coord.Start(context.Background(), simID)
			results <- outcome{execution: execution, err: err}
		}()
	}

	var started *domain.Execution
	conflicts := 0
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			require.NotNil(t, r.execution)
			started = r.execution
			continue
		}
		assert.True(t, domain.IsConflict(r.err))
		conflicts++
	}
	require.NotNil(t, started)
	assert.Equal(t, 1, conflicts)

	// Exactly one execution row exists; the loser left nothing behind.
	executions, err := f.history.ListExecutions(context.Background(), simID, 0, 0)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, started.ID, executions[0].ID)

	require.NoError(t, f.coord.Stop(context.Background(), simID))
	record := f.awaitTerminal(t, started.ID)
	assert.Equal(t, domain.ExecutionStatusStopped, record.Execution.Status)

	// The simulation is startable again once the run is terminal.
	second, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)
	require.NoError(t, f.coord.Stop(context.Background(), simID))
	f.awaitTerminal(t, second.ID)
}

func TestCoordinatorRejectsStartWithDanglingExecution(t *testing.T) {
	f := newCoordinatorFixture(t)
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 1, ExecutionTime: time.Minute},
	)

	// A prior process crashed and left a non-terminal execution behind.
	dangling := &domain.Execution{
		ID:           uuid.New(),
		SimulationID: simID,
		Status:       domain.ExecutionStatusRunning,
		StartedAt:    time.Now(),
	}
	require.NoError(t, f.history.CreateExecution(context.Background(), dangling))

	_, err := f.coord.Start(context.Background(), simID)
	assert.True(t, domain.IsConflict(err))
}

func TestCoordinatorStatusWhileActiveFallsBackToTracker(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.clock.Freeze()
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 2, ExecutionTime: 1000 * time.Hour},
	)
	f.pods.StayPending("swarm-step-1")

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.pods.CreatedNames()) > 0
	}, 5*time.Second, time.Millisecond)

	// Progress store reads fail; status answers from the in-memory
	// last-known values.
	f.progress.FailReads = true

	status, err := f.coord.Status(context.Background(), simID)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, execution.ID, status.ExecutionID)
	require.Len(t, status.Stages, 1)
	assert.Equal(t, domain.ExecutionStatusRunning, status.Stages[0].Status)
	assert.Equal(t, 1, status.Stages[0].CurrentRepeat)

	f.progress.FailReads = false
	require.NoError(t, f.coord.Stop(context.Background(), simID))
	f.awaitTerminal(t, execution.ID)
}

func TestCoordinatorStatusReportsStoppedBeforeFinalize(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.clock.Freeze()
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 1, ExecutionTime: 1000 * time.Hour},
	)
	f.pods.StayPending("swarm-step-1")

	// Hold the run in its pre-terminal window: the stage has halted but
	// the terminal write has not landed yet.
	gate := make(chan struct{})
	f.history.FinalizeGate = gate

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.pods.CreatedNames()) > 0
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, f.coord.Stop(context.Background(), simID))

	require.Eventually(t, func() bool {
		return f.history.FinalizeAttempts() >= 1 && f.pods.ActiveCount() == 0
	}, 5*time.Second, time.Millisecond)

	// A stop that has already been honored is reported as STOPPED even
	// while the run is still live.
	status, err := f.coord.Status(context.Background(), simID)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, execution.ID, status.ExecutionID)
	assert.Equal(t, domain.ExecutionStatusStopped, status.Status)

	close(gate)
	record := f.awaitTerminal(t, execution.ID)
	assert.Equal(t, domain.ExecutionStatusStopped, record.Execution.Status)
}

func TestCoordinatorLiveStatusListsInstances(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.clock.Freeze()
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 2, RepeatCount: 1, ExecutionTime: 1000 * time.Hour},
	)
	f.pods.StayPending("swarm-step-1")

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)

	var status *domain.RunStatus
	require.Eventually(t, func() bool {
		s, err := f.coord.Status(context.Background(), simID)
		if err != nil || len(s.Stages) != 1 || len(s.Stages[0].Instances) != 2 {
			return false
		}
		for _, inst := range s.Stages[0].Instances {
			if inst.PodName == "" {
				return false
			}
		}
		status = s
		return true
	}, 5*time.Second, time.Millisecond)

	for _, inst := range status.Stages[0].Instances {
		assert.Equal(t, domain.InstanceStatusCreating, inst.Status)
		assert.Equal(t, "fleetsim", inst.PodNamespace)
		require.NotNil(t, inst.StepID)
	}

	require.NoError(t, f.coord.Stop(context.Background(), simID))
	f.awaitTerminal(t, execution.ID)
}

func TestCoordinatorStatusAfterTerminalReadsHistory(t *testing.T) {
	f := newCoordinatorFixture(t)
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 2, ExecutionTime: time.Minute},
	)

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)
	f.awaitTerminal(t, execution.ID)

	status, err := f.coord.Status(context.Background(), simID)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Equal(t, domain.ExecutionStatusCompleted, status.Status)
	require.NotNil(t, status.FinishedAt)
	require.Len(t, status.Stages, 1)
	assert.Equal(t, "step:1", status.Stages[0].Ref)
	assert.Equal(t, 2, status.Stages[0].CurrentRepeat)
}

func TestCoordinatorStatusUnknownSimulation(t *testing.T) {
	f := newCoordinatorFixture(t)
	_, err := f.coord.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoordinatorFinalizeRetriesTransientFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 1, ExecutionTime: time.Minute},
	)
	f.history.FailFinalizeTimes = 2

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)

	record := f.awaitTerminal(t, execution.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, record.Execution.Status)
	assert.Equal(t, 3, f.history.FinalizeCalls)
}

func TestCoordinatorSecondFinalizeIsRejected(t *testing.T) {
	f := newCoordinatorFixture(t)
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 1, ExecutionTime: time.Minute},
	)

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)
	record := f.awaitTerminal(t, execution.ID)

	err = f.history.Finalize(context.Background(), ports.FinalizeRequest{
		ExecutionID: execution.ID,
		Status:      domain.ExecutionStatusFailed,
		FinishedAt:  time.Now(),
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyFinalized)

	// The stored terminal state is untouched.
	after, err := f.history.GetExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Execution.Status, after.Execution.Status)
	assert.Nil(t, after.Execution.FailedAt)
}

func TestCoordinatorCleansProgressAfterFinalize(t *testing.T) {
	f := newCoordinatorFixture(t)
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 3, ExecutionTime: time.Minute},
	)

	execution, err := f.coord.Start(context.Background(), simID)
	require.NoError(t, err)
	f.awaitTerminal(t, execution.ID)

	counter := f.progress.Counter(domain.RepeatCounterKey(simID, "step:1"))
	assert.Equal(t, int64(0), counter)

	_, ok, err := f.progress.Status(context.Background(), domain.StageStatusKey(simID, "step:1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinatorStartUnknownSimulation(t *testing.T) {
	f := newCoordinatorFixture(t)
	_, err := f.coord.Start(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoordinatorStartDeletedSimulation(t *testing.T) {
	f := newCoordinatorFixture(t)
	simID := f.addSequentialSimulation("swarm",
		domain.Step{StepOrder: 1, AgentCount: 1, RepeatCount: 1, ExecutionTime: time.Minute},
	)
	deletedAt := time.Now()
	f.defs.Simulations[simID].DeletedAt = &deletedAt

	_, err := f.coord.Start(context.Background(), simID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
