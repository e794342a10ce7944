package domain

import (
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

type StageKind string

const (
	StageKindStep  StageKind = "step"
	StageKindGroup StageKind = "group"
)

// Stage is the runner-facing view of one Step or Group, resolved against
// its template. It is built from the frozen execution plan, never from
// live definitions.
type Stage struct {
	Kind                 StageKind
	StageID              uuid.UUID
	StepOrder            int
	Name                 string
	Template             Template
	AgentCount           int
	ExecutionTime        time.Duration
	DelayAfterCompletion time.Duration
	RepeatCount          int
}

// Ref returns the stable stage reference used for progress-store keys
// and log correlation, e.g. "step:2" or "group:alpha".
func (s Stage) Ref() string {
	if s.Kind == StageKindStep {
		return fmt.Sprintf("step:%d", s.StepOrder)
	}
	return "group:" + s.Name
}

// StageOutcome is the terminal result of running one stage.
type StageOutcome struct {
	Status       ExecutionStatus
	LastRepeat   int
	PodsCreated  int
	ErrorCode    string
	ErrorMessage string
}

// ExecutionPlan is the configuration snapshot frozen into an execution
// row at start. Later edits to the simulation's definitions do not affect
// a run in flight.
type ExecutionPlan struct {
	PatternType PatternType `json:"pattern_type"`
	Namespace   string      `json:"namespace"`
	Stages      []Stage     `json:"stages"`
	FrozenAt    time.Time   `json:"frozen_at"`
}

// FreezePlan builds the immutable plan for a run. Steps are ordered by
// ascending StepOrder here so consumers never re-sort.
func FreezePlan(sim *Simulation, steps []Step, groups []Group, templates map[uuid.UUID]Template, now time.Time) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{
		PatternType: sim.PatternType,
		Namespace:   sim.Namespace,
		FrozenAt:    now,
	}

	switch sim.PatternType {
	case PatternSequential:
		if len(steps) == 0 {
			return nil, fmt.Errorf("simulation %s has no steps to run", sim.ID)
		}
		sorted := make([]Step, len(steps))
		copy(sorted, steps)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepOrder < sorted[j].StepOrder })
		for _, step := range sorted {
			tpl, ok := templates[step.TemplateID]
			if !ok {
				return nil, fmt.Errorf("step %d references unknown template %s", step.StepOrder, step.TemplateID)
			}
			plan.Stages = append(plan.Stages, Stage{
				Kind:                 StageKindStep,
				StageID:              step.ID,
				StepOrder:            step.StepOrder,
				Template:             tpl,
				AgentCount:           step.AgentCount,
				ExecutionTime:        step.ExecutionTime,
				DelayAfterCompletion: step.DelayAfterCompletion,
				RepeatCount:          step.RepeatCount,
			})
		}
	case PatternParallel:
		if len(groups) == 0 {
			return nil, fmt.Errorf("simulation %s has no groups to run", sim.ID)
		}
		for _, group := range groups {
			tpl, ok := templates[group.TemplateID]
			if !ok {
				return nil, fmt.Errorf("group %q references unknown template %s", group.Name, group.TemplateID)
			}
			plan.Stages = append(plan.Stages, Stage{
				Kind:          StageKindGroup,
				StageID:       group.ID,
				Name:          group.Name,
				Template:      tpl,
				AgentCount:    group.AgentCount,
				ExecutionTime: group.ExecutionTime,
				RepeatCount:   group.RepeatCount,
			})
		}
	default:
		return nil, fmt.Errorf("unknown pattern type %q", sim.PatternType)
	}

	return plan, nil
}

// Encode serializes the plan for persistence with the execution row.
func (p *ExecutionPlan) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode execution plan: %w", err)
	}
	return raw, nil
}

// DecodePlan restores a frozen plan from its persisted form.
func DecodePlan(raw json.RawMessage) (*ExecutionPlan, error) {
	var plan ExecutionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("decode execution plan: %w", err)
	}
	return &plan, nil
}
