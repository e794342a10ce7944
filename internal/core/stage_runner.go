package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsim/fleetsim/internal/domain"
	"github.com/fleetsim/fleetsim/internal/ports"
)

const teardownTimeout = 30 * time.Second

// Error codes surfaced on failed stage executions.
const (
	codePodCreationFailed = "POD_CREATION_FAILED"
	codePodFailed         = "POD_FAILED"
	codeReadinessTimeout  = "READINESS_TIMEOUT"
)

// RunScope ties a stage run to its owning execution and carries the
// coordinator's in-memory progress sink.
type RunScope struct {
	SimulationID   uuid.UUID
	SimulationName string
	ExecutionID    uuid.UUID
	Namespace      string

	// Track receives every repeat/status change. It is the in-memory
	// last-known value used when the progress store cannot be read at
	// reconciliation time.
	Track func(stageRef string, repeat int, status domain.ExecutionStatus)

	// TrackInstances receives a snapshot of the current repeat's
	// instances every time one of them changes state.
	TrackInstances func(stageRef string, instances []domain.Instance)
}

func (s RunScope) track(ref string, repeat int, status domain.ExecutionStatus) {
	if s.Track != nil {
		s.Track(ref, repeat, status)
	}
}

// instanceSet tracks the pod-backed instances of one repeat and mirrors
// every change to the run scope. It is touched only by the goroutine
// running the stage.
type instanceSet struct {
	scope    RunScope
	stageRef string
	list     []*domain.Instance
	byHandle map[ports.PodHandle]*domain.Instance
}

func newInstanceSet(scope RunScope, stage domain.Stage) *instanceSet {
	return &instanceSet{
		scope:    scope,
		stageRef: stage.Ref(),
		byHandle: make(map[ports.PodHandle]*domain.Instance, stage.AgentCount),
	}
}

func (s *instanceSet) add(stage domain.Stage, name string) *domain.Instance {
	inst := &domain.Instance{
		ID:           uuid.New(),
		SimulationID: s.scope.SimulationID,
		Name:         name,
		Status:       domain.InstanceStatusCreating,
	}
	stageID := stage.StageID
	switch stage.Kind {
	case domain.StageKindStep:
		inst.StepID = &stageID
	case domain.StageKindGroup:
		inst.GroupID = &stageID
	}
	s.list = append(s.list, inst)
	s.publish()
	return inst
}

func (s *instanceSet) bind(inst *domain.Instance, handle ports.PodHandle) {
	inst.PodName = handle.Name
	inst.PodNamespace = handle.Namespace
	s.byHandle[handle] = inst
	s.publish()
}

func (s *instanceSet) mark(handle ports.PodHandle, status domain.InstanceStatus) {
	inst, ok := s.byHandle[handle]
	if !ok || inst.Status.Terminal() {
		return
	}
	inst.Status = status
	s.publish()
}

func (s *instanceSet) fail(inst *domain.Instance, code, message string) {
	inst.Status = domain.InstanceStatusFailed
	inst.ErrorCode = code
	inst.ErrorMessage = message
	s.publish()
}

func (s *instanceSet) failHandle(handle ports.PodHandle, code, message string) {
	if inst, ok := s.byHandle[handle]; ok {
		s.fail(inst, code, message)
	}
}

// settle moves every instance still in a non-terminal status, at the
// end of a repeat, to the given one.
func (s *instanceSet) settle(status domain.InstanceStatus, code, message string) {
	changed := false
	for _, inst := range s.list {
		if inst.Status.Terminal() {
			continue
		}
		inst.Status = status
		inst.ErrorCode = code
		inst.ErrorMessage = message
		changed = true
	}
	if changed {
		s.publish()
	}
}

func (s *instanceSet) publish() {
	if s.scope.TrackInstances == nil {
		return
	}
	snapshot := make([]domain.Instance, len(s.list))
	for i, inst := range s.list {
		snapshot[i] = *inst
	}
	s.scope.TrackInstances(s.stageRef, snapshot)
}

// StageRunner drives one Step or Group through its repeat cycle:
// provision instances, await readiness, tear down, repeat. It is the
// single writer for its stage's progress keys.
type StageRunner struct {
	pods     ports.PodGateway
	progress ports.ProgressStore
	clock    ports.Clock
	logger   *slog.Logger

	pollInterval         time.Duration
	defaultExecutionTime time.Duration
}

func NewStageRunner(pods ports.PodGateway, progress ports.ProgressStore, clock ports.Clock, cfg domain.RunnerConfig, logger *slog.Logger) *StageRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StageRunner{
		pods:                 pods,
		progress:             progress,
		clock:                clock,
		logger:               logger.With("component", "stage-runner"),
		pollInterval:         cfg.PollInterval,
		defaultExecutionTime: cfg.DefaultExecutionTime,
	}
}

// Run executes the stage's full repeat cycle and returns its terminal
// outcome. A repeat that was in flight when a failure or stop occurred
// counts as the stage's last repeat; a stop observed between repeats
// halts without starting a new one.
func (r *StageRunner) Run(ctx context.Context, scope RunScope, stage domain.Stage) domain.StageOutcome {
	logger := r.logger.With(
		"simulation_id", scope.SimulationID,
		"execution_id", scope.ExecutionID,
		"stage", stage.Ref(),
	)

	repeats := stage.RepeatCount
	if repeats <= 0 {
		repeats = 1
	}
	budget := stage.ExecutionTime
	if budget <= 0 {
		budget = r.defaultExecutionTime
	}

	counterKey := domain.RepeatCounterKey(scope.SimulationID, stage.Ref())
	statusKey := domain.StageStatusKey(scope.SimulationID, stage.Ref())

	r.setStatus(ctx, statusKey, domain.ExecutionStatusRunning, logger)
	scope.track(stage.Ref(), 0, domain.ExecutionStatusRunning)

	podsCreated := 0
	currentRepeat := 0

	for repeat := 1; repeat <= repeats; repeat++ {
		if ctx.Err() != nil {
			// Stop observed between repeats: halt at the last one.
			logger.Info("stop observed between repeats", "last_repeat", currentRepeat)
			r.setStatus(ctx, statusKey, domain.ExecutionStatusStopped, logger)
			scope.track(stage.Ref(), currentRepeat, domain.ExecutionStatusStopped)
			return domain.StageOutcome{
				Status:      domain.ExecutionStatusStopped,
				LastRepeat:  currentRepeat,
				PodsCreated: podsCreated,
			}
		}

		currentRepeat = repeat
		if _, err := r.progress.Increment(ctx, counterKey); err != nil {
			// Best-effort mirror; the in-memory value carries on.
			logger.Warn("progress increment failed", "repeat", repeat, "error", err.Error())
		}
		scope.track(stage.Ref(), repeat, domain.ExecutionStatusRunning)
		logger.Debug("starting repeat", "repeat", repeat, "of", repeats)

		instances := newInstanceSet(scope, stage)
		handles, created, err := r.provision(ctx, scope, stage, repeat, instances)
		podsCreated += created
		if err == nil {
			err = r.awaitRunning(ctx, handles, instances, budget, stage.Ref(), logger)
		}

		// Instances of the current repeat are always torn down, also on
		// failure or stop, before the stage reports its outcome.
		r.teardown(handles, logger)

		if err != nil {
			if errors.Is(err, domain.ErrStopped) || errors.Is(err, context.Canceled) {
				logger.Info("stage stopped mid-repeat", "repeat", repeat)
				instances.settle(domain.InstanceStatusStopped, "", "")
				r.setStatus(ctx, statusKey, domain.ExecutionStatusStopped, logger)
				scope.track(stage.Ref(), repeat, domain.ExecutionStatusStopped)
				return domain.StageOutcome{
					Status:      domain.ExecutionStatusStopped,
					LastRepeat:  repeat,
					PodsCreated: podsCreated,
				}
			}

			code, message := errorDetails(err)
			if code == codeReadinessTimeout {
				instances.settle(domain.InstanceStatusFailed, code, message)
			} else {
				// The failing instance is already marked; its siblings
				// were torn down mid-flight.
				instances.settle(domain.InstanceStatusStopped, "", "")
			}
			logger.Error("stage failed", "repeat", repeat, "error_code", code, "error", message)
			r.setStatus(ctx, statusKey, domain.ExecutionStatusFailed, logger)
			scope.track(stage.Ref(), repeat, domain.ExecutionStatusFailed)
			return domain.StageOutcome{
				Status:       domain.ExecutionStatusFailed,
				LastRepeat:   repeat,
				PodsCreated:  podsCreated,
				ErrorCode:    code,
				ErrorMessage: message,
			}
		}

		instances.settle(domain.InstanceStatusCompleted, "", "")
		logger.Debug("repeat completed", "repeat", repeat)

		if stage.Kind == domain.StageKindStep && stage.DelayAfterCompletion > 0 {
			select {
			case <-ctx.Done():
				r.setStatus(ctx, statusKey, domain.ExecutionStatusStopped, logger)
				scope.track(stage.Ref(), repeat, domain.ExecutionStatusStopped)
				return domain.StageOutcome{
					Status:      domain.ExecutionStatusStopped,
					LastRepeat:  repeat,
					PodsCreated: podsCreated,
				}
			case <-r.clock.After(stage.DelayAfterCompletion):
			}
		}
	}

	r.setStatus(ctx, statusKey, domain.ExecutionStatusCompleted, logger)
	scope.track(stage.Ref(), currentRepeat, domain.ExecutionStatusCompleted)
	return domain.StageOutcome{
		Status:      domain.ExecutionStatusCompleted,
		LastRepeat:  currentRepeat,
		PodsCreated: podsCreated,
	}
}

func (r *StageRunner) provision(ctx context.Context, scope RunScope, stage domain.Stage, repeat int, instances *instanceSet) ([]ports.PodHandle, int, error) {
	handles := make([]ports.PodHandle, 0, stage.AgentCount)
	for i := 0; i < stage.AgentCount; i++ {
		if ctx.Err() != nil {
			return handles, len(handles), domain.ErrStopped
		}

		name := instanceName(scope.SimulationName, stage, repeat, i)
		spec := ports.InstanceSpec{
			Name:      name,
			Namespace: scope.Namespace,
			Image:     stage.Template.Image,
			Command:   stage.Template.Command,
			Env:       stage.Template.Env,
			Labels: map[string]string{
				"fleetsim/simulation": scope.SimulationID.String(),
				"fleetsim/execution":  scope.ExecutionID.String(),
				"fleetsim/stage":      sanitizeLabel(stage.Ref()),
			},
		}

		inst := instances.add(stage, name)
		handle, err := r.pods.Create(ctx, spec)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return handles, len(handles), domain.ErrStopped
			}
			instances.fail(inst, codePodCreationFailed, err.Error())
			return handles, len(handles), &domain.ProvisioningError{
				Instance: name,
				Code:     codePodCreationFailed,
				Message:  err.Error(),
			}
		}
		instances.bind(inst, handle)
		handles = append(handles, handle)
	}
	return handles, len(handles), nil
}

// awaitRunning polls until every instance reports Running (or has
// already finished), the readiness budget runs out, or a stop is
// observed. An Unknown phase is treated as not-ready and retried until
// the deadline; only the Failed phase is stage-fatal. Cancellation is
// checked every poll tick, never mid-request.
func (r *StageRunner) awaitRunning(ctx context.Context, handles []ports.PodHandle, instances *instanceSet, budget time.Duration, stageRef string, logger *slog.Logger) error {
	deadline := r.clock.Now().Add(budget)

	pending := make(map[ports.PodHandle]bool, len(handles))
	for _, handle := range handles {
		pending[handle] = true
	}

	for {
		if ctx.Err() != nil {
			return domain.ErrStopped
		}

		for handle := range pending {
			phase, err := r.pods.Phase(ctx, handle)
			if err != nil {
				// Status reads can fail transiently; the deadline bounds
				// how long we keep asking.
				logger.Warn("pod phase unavailable", "pod", handle.Name, "error", err.Error())
				continue
			}
			switch phase {
			case ports.PodRunning:
				instances.mark(handle, domain.InstanceStatusRunning)
				delete(pending, handle)
			case ports.PodSucceeded:
				instances.mark(handle, domain.InstanceStatusCompleted)
				delete(pending, handle)
			case ports.PodFailed:
				message := "pod entered Failed phase before becoming ready"
				instances.failHandle(handle, codePodFailed, message)
				return &domain.ProvisioningError{
					Instance: handle.Name,
					Code:     codePodFailed,
					Message:  message,
				}
			}
		}

		if len(pending) == 0 {
			return nil
		}
		if !r.clock.Now().Before(deadline) {
			return &domain.TimeoutError{Stage: stageRef, Budget: budget}
		}

		select {
		case <-ctx.Done():
			return domain.ErrStopped
		case <-r.clock.After(r.pollInterval):
		}
	}
}

// teardown deletes the repeat's instances on a detached context so
// cleanup still happens after cancellation.
func (r *StageRunner) teardown(handles []ports.PodHandle, logger *slog.Logger) {
	if len(handles) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	for _, handle := range handles {
		if err := r.pods.Delete(ctx, handle); err != nil {
			logger.Warn("instance teardown failed", "pod", handle.Name, "error", err.Error())
		}
	}
}

func (r *StageRunner) setStatus(ctx context.Context, key string, status domain.ExecutionStatus, logger *slog.Logger) {
	// Detach from cancellation: stop must not suppress the final status
	// mirror write.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := r.progress.SetStatus(ctx, key, string(status)); err != nil {
		logger.Warn("progress status write failed", "status", status, "error", err.Error())
	}
}

func errorDetails(err error) (code, message string) {
	var provErr *domain.ProvisioningError
	if errors.As(err, &provErr) {
		return provErr.Code, provErr.Message
	}
	var timeoutErr *domain.TimeoutError
	if errors.As(err, &timeoutErr) {
		return codeReadinessTimeout, timeoutErr.Error()
	}
	return "STAGE_FAILED", err.Error()
}

func instanceName(simulationName string, stage domain.Stage, repeat, index int) string {
	ref := strings.ReplaceAll(stage.Ref(), ":", "-")
	return sanitizeName(fmt.Sprintf("%s-%s-r%d-agent-%d", simulationName, ref, repeat, index))
}

// sanitizeName lowercases and strips characters a pod name cannot carry.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func sanitizeLabel(value string) string {
	return sanitizeName(value)
}
