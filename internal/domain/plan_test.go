package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreezePlanOrdersSteps(t *testing.T) {
	tpl := Template{ID: uuid.New(), Name: "agent", Image: "agent:1"}
	sim := &Simulation{ID: uuid.New(), PatternType: PatternSequential, Namespace: "ns"}
	steps := []Step{
		{ID: uuid.New(), StepOrder: 3, TemplateID: tpl.ID, AgentCount: 1, RepeatCount: 1},
		{ID: uuid.New(), StepOrder: 1, TemplateID: tpl.ID, AgentCount: 2, RepeatCount: 2},
		{ID: uuid.New(), StepOrder: 2, TemplateID: tpl.ID, AgentCount: 1, RepeatCount: 1},
	}

	plan, err := FreezePlan(sim, steps, nil, map[uuid.UUID]Template{tpl.ID: tpl}, time.Now())
	require.NoError(t, err)

	require.Len(t, plan.Stages, 3)
	assert.Equal(t, []string{"step:1", "step:2", "step:3"}, []string{
		plan.Stages[0].Ref(), plan.Stages[1].Ref(), plan.Stages[2].Ref(),
	})
	assert.Equal(t, 2, plan.Stages[0].AgentCount)
}

func TestFreezePlanRejectsUnknownTemplate(t *testing.T) {
	sim := &Simulation{ID: uuid.New(), PatternType: PatternSequential}
	steps := []Step{{ID: uuid.New(), StepOrder: 1, TemplateID: uuid.New()}}

	_, err := FreezePlan(sim, steps, nil, nil, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown template")
}

func TestFreezePlanRejectsEmptySimulation(t *testing.T) {
	seq := &Simulation{ID: uuid.New(), PatternType: PatternSequential}
	_, err := FreezePlan(seq, nil, nil, nil, time.Now())
	assert.Error(t, err)

	par := &Simulation{ID: uuid.New(), PatternType: PatternParallel}
	_, err = FreezePlan(par, nil, nil, nil, time.Now())
	assert.Error(t, err)
}

func TestPlanRoundTripsThroughEncoding(t *testing.T) {
	tpl := Template{ID: uuid.New(), Name: "agent", Image: "agent:1", Env: map[string]string{"MODE": "swarm"}}
	sim := &Simulation{ID: uuid.New(), PatternType: PatternParallel, Namespace: "ns"}
	groups := []Group{
		{ID: uuid.New(), Name: "alpha", TemplateID: tpl.ID, AgentCount: 3, RepeatCount: 5, ExecutionTime: time.Minute},
	}

	plan, err := FreezePlan(sim, nil, groups, map[uuid.UUID]Template{tpl.ID: tpl}, time.Now().UTC())
	require.NoError(t, err)

	raw, err := plan.Encode()
	require.NoError(t, err)

	decoded, err := DecodePlan(raw)
	require.NoError(t, err)
	require.Len(t, decoded.Stages, 1)
	assert.Equal(t, "group:alpha", decoded.Stages[0].Ref())
	assert.Equal(t, time.Minute, decoded.Stages[0].ExecutionTime)
	assert.Equal(t, "swarm", decoded.Stages[0].Template.Env["MODE"])
}

func TestExecutionStatusTransitions(t *testing.T) {
	assert.True(t, ExecutionStatusPending.CanTransition(ExecutionStatusRunning))
	assert.True(t, ExecutionStatusRunning.CanTransition(ExecutionStatusCompleted))
	assert.True(t, ExecutionStatusRunning.CanTransition(ExecutionStatusStopped))

	// Terminal states never move again.
	for _, terminal := range []ExecutionStatus{ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusStopped} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.CanTransition(ExecutionStatusRunning))
	}
	assert.False(t, ExecutionStatusPending.Terminal())
	assert.False(t, ExecutionStatusRunning.Terminal())
}

func TestProgressKeysAreSimulationScoped(t *testing.T) {
	simA, simB := uuid.New(), uuid.New()
	assert.NotEqual(t, RepeatCounterKey(simA, "step:1"), RepeatCounterKey(simB, "step:1"))

	prefixes := SimulationProgressPrefix(simA)
	require.Len(t, prefixes, 2)
	for _, prefix := range prefixes {
		assert.Contains(t, prefix, simA.String())
	}
}
