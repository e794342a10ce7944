// Package testutil provides in-memory implementations of the core's
// ports for deterministic tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsim/fleetsim/internal/domain"
	"github.com/fleetsim/fleetsim/internal/ports"
)

var (
	_ ports.Clock            = (*FakeClock)(nil)
	_ ports.PodGateway       = (*FakePodGateway)(nil)
	_ ports.ProgressStore    = (*MemoryProgressStore)(nil)
	_ ports.HistoryStore     = (*MemoryHistoryStore)(nil)
	_ ports.DefinitionSource = (*FakeDefinitionSource)(nil)
)

// FakeClock advances its reading on every After call so poll loops and
// delays run instantly while remaining observable.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	waits  []time.Duration
	frozen bool
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	if !c.frozen {
		c.now = c.now.Add(d)
	}
	at := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- at
	return ch
}

// Advance moves the clock manually, for deadline tests.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Freeze stops After from advancing the clock, so readiness deadlines
// can be controlled purely via Advance.
func (c *FakeClock) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// Waits returns every duration passed to After, in order.
func (c *FakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// FakePodGateway records pod lifecycle calls and reports scripted phases.
// By default every created pod reports Running immediately.
type FakePodGateway struct {
	mu        sync.Mutex
	created   []ports.PodHandle
	deleted   []ports.PodHandle
	active    map[string]bool
	createSeq []string

	failCreatePrefixes  map[string]string
	failedPhasePrefixes map[string]bool
	pendingPrefixes     map[string]bool
	unknownPrefixes     map[string]bool
}

func NewFakePodGateway() *FakePodGateway {
	return &FakePodGateway{
		active:              make(map[string]bool),
		failCreatePrefixes:  make(map[string]string),
		failedPhasePrefixes: make(map[string]bool),
		pendingPrefixes:     make(map[string]bool),
		unknownPrefixes:     make(map[string]bool),
	}
}

// FailCreate makes Create fail for pods whose name starts with prefix.
func (g *FakePodGateway) FailCreate(prefix, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failCreatePrefixes[prefix] = message
}

// FailPhase makes pods with the prefix report the Failed phase.
func (g *FakePodGateway) FailPhase(prefix string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failedPhasePrefixes[prefix] = true
}

// StayPending makes pods with the prefix never leave Pending.
func (g *FakePodGateway) StayPending(prefix string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingPrefixes[prefix] = true
}

// UnknownPhase makes pods with the prefix report the Unknown phase,
// as a node losing contact with the control plane would.
func (g *FakePodGateway) UnknownPhase(prefix string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unknownPrefixes[prefix] = true
}

func (g *FakePodGateway) Create(ctx context.Context, spec ports.InstanceSpec) (ports.PodHandle, error) {
	if err := ctx.Err(); err != nil {
		return ports.PodHandle{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for prefix, message := range g.failCreatePrefixes {
		if strings.HasPrefix(spec.Name, prefix) {
			return ports.PodHandle{}, fmt.Errorf("%s", message)
		}
	}

	handle := ports.PodHandle{Name: spec.Name, Namespace: spec.Namespace}
	key := handle.Namespace + "/" + handle.Name
	if g.active[key] {
		return ports.PodHandle{}, fmt.Errorf("pod %s already exists", key)
	}
	g.active[key] = true
	g.created = append(g.created, handle)
	g.createSeq = append(g.createSeq, spec.Name)
	return handle, nil
}

func (g *FakePodGateway) Phase(ctx context.Context, handle ports.PodHandle) (ports.PodPhase, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active[handle.Namespace+"/"+handle.Name] {
		return ports.PodUnknown, fmt.Errorf("pod %s/%s not found", handle.Namespace, handle.Name)
	}
	for prefix := range g.failedPhasePrefixes {
		if strings.HasPrefix(handle.Name, prefix) {
			return ports.PodFailed, nil
		}
	}
	for prefix := range g.pendingPrefixes {
		if strings.HasPrefix(handle.Name, prefix) {
			return ports.PodPending, nil
		}
	}
	for prefix := range g.unknownPrefixes {
		if strings.HasPrefix(handle.Name, prefix) {
			return ports.PodUnknown, nil
		}
	}
	return ports.PodRunning, nil
}

func (g *FakePodGateway) Delete(ctx context.Context, handle ports.PodHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := handle.Namespace + "/" + handle.Name
	delete(g.active, key)
	g.deleted = append(g.deleted, handle)
	return nil
}

// CreatedNames returns every pod name in creation order.
func (g *FakePodGateway) CreatedNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.createSeq))
	copy(out, g.createSeq)
	return out
}

// ActiveCount returns pods created but not yet deleted.
func (g *FakePodGateway) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

func (g *FakePodGateway) DeletedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.deleted)
}

// MemoryProgressStore is a map-backed progress store with optional
// scripted failures to exercise the best-effort contract.
type MemoryProgressStore struct {
	mu       sync.Mutex
	counters map[string]int64
	statuses map[string]string

	FailWrites bool
	FailReads  bool
}

func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{
		counters: make(map[string]int64),
		statuses: make(map[string]string),
	}
}

func (s *MemoryProgressStore) Increment(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return 0, fmt.Errorf("progress store unavailable")
	}
	s.counters[key]++
	return s.counters[key], nil
}

func (s *MemoryProgressStore) Get(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads {
		return 0, false, fmt.Errorf("progress store unavailable")
	}
	value, ok := s.counters[key]
	return value, ok, nil
}

func (s *MemoryProgressStore) SetStatus(ctx context.Context, key string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("progress store unavailable")
	}
	s.statuses[key] = status
	return nil
}

func (s *MemoryProgressStore) Status(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads {
		return "", false, fmt.Errorf("progress store unavailable")
	}
	status, ok := s.statuses[key]
	return status, ok, nil
}

func (s *MemoryProgressStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key := range s.counters {
		if strings.HasPrefix(key, prefix) {
			delete(s.counters, key)
			deleted++
		}
	}
	for key := range s.statuses {
		if strings.HasPrefix(key, prefix) {
			delete(s.statuses, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryProgressStore) Close() error { return nil }

// Counter reads a counter directly, bypassing scripted read failures.
func (s *MemoryProgressStore) Counter(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

// MemoryHistoryStore mirrors the transactional semantics of the
// PostgreSQL history store, including finalize idempotence and the
// one-active-execution-per-simulation unique index.
type MemoryHistoryStore struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*domain.Execution
	steps      map[uuid.UUID][]domain.StepExecution
	groups     map[uuid.UUID][]domain.GroupExecution

	FinalizeCalls     int
	FailFinalizeTimes int

	// FinalizeGate, when set, blocks Finalize until the channel is
	// closed, holding a run in its pre-terminal window.
	FinalizeGate chan struct{}
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		executions: make(map[uuid.UUID]*domain.Execution),
		steps:      make(map[uuid.UUID][]domain.StepExecution),
		groups:     make(map[uuid.UUID][]domain.GroupExecution),
	}
}

func (s *MemoryHistoryStore) CreateExecution(ctx context.Context, execution *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.executions {
		if existing.SimulationID == execution.SimulationID && !existing.Status.Terminal() {
			return &domain.ConflictError{SimulationID: execution.SimulationID, ExecutionID: existing.ID}
		}
	}
	clone := *execution
	s.executions[execution.ID] = &clone
	return nil
}

func (s *MemoryHistoryStore) ActiveExecution(ctx context.Context, simulationID uuid.UUID) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, execution := range s.executions {
		if execution.SimulationID == simulationID && !execution.Status.Terminal() {
			clone := *execution
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

// FinalizeAttempts reads the finalize call count under the lock.
func (s *MemoryHistoryStore) FinalizeAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalizeCalls
}

func (s *MemoryHistoryStore) Finalize(ctx context.Context, req ports.FinalizeRequest) error {
	s.mu.Lock()
	s.FinalizeCalls++
	if s.FailFinalizeTimes > 0 {
		s.FailFinalizeTimes--
		s.mu.Unlock()
		return fmt.Errorf("history store unavailable")
	}
	gate := s.FinalizeGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.executions[req.ExecutionID]
	if !ok {
		return domain.ErrNotFound
	}
	if execution.Status.Terminal() {
		return domain.ErrAlreadyFinalized
	}

	execution.Status = req.Status
	execution.ResultSummary = req.ResultSummary
	execution.FailureReason = req.FailureReason
	execution.UpdatedAt = req.FinishedAt
	finished := req.FinishedAt
	switch req.Status {
	case domain.ExecutionStatusCompleted:
		execution.CompletedAt = &finished
	case domain.ExecutionStatusFailed:
		execution.FailedAt = &finished
	case domain.ExecutionStatusStopped:
		execution.StoppedAt = &finished
	}

	steps := make([]domain.StepExecution, len(req.Steps))
	copy(steps, req.Steps)
	for i := range steps {
		if steps[i].ID == uuid.Nil {
			steps[i].ID = uuid.New()
		}
		steps[i].ExecutionID = req.ExecutionID
	}
	s.steps[req.ExecutionID] = steps

	groups := make([]domain.GroupExecution, len(req.Groups))
	copy(groups, req.Groups)
	for i := range groups {
		if groups[i].ID == uuid.Nil {
			groups[i].ID = uuid.New()
		}
		groups[i].ExecutionID = req.ExecutionID
	}
	s.groups[req.ExecutionID] = groups

	return nil
}

func (s *MemoryHistoryStore) GetExecution(ctx context.Context, executionID uuid.UUID) (*domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[executionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	record := &domain.ExecutionRecord{Execution: *execution}
	record.Steps = append(record.Steps, s.steps[executionID]...)
	record.Groups = append(record.Groups, s.groups[executionID]...)
	sort.Slice(record.Steps, func(i, j int) bool { return record.Steps[i].StepOrder < record.Steps[j].StepOrder })
	return record, nil
}

func (s *MemoryHistoryStore) ListExecutions(ctx context.Context, simulationID uuid.UUID, limit, offset int) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var executions []domain.Execution
	for _, execution := range s.executions {
		if execution.SimulationID == simulationID {
			executions = append(executions, *execution)
		}
	}
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})
	if offset >= len(executions) {
		return nil, nil
	}
	executions = executions[offset:]
	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}
	return executions, nil
}

func (s *MemoryHistoryStore) DeleteSimulation(ctx context.Context, simulationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, execution := range s.executions {
		if execution.SimulationID == simulationID {
			delete(s.executions, id)
			delete(s.steps, id)
			delete(s.groups, id)
		}
	}
	return nil
}

func (s *MemoryHistoryStore) Close() {}

// FakeDefinitionSource serves definitions from maps. A non-zero
// ReadDelay makes every Simulation read sleep first, widening start
// races for concurrency tests.
type FakeDefinitionSource struct {
	mu          sync.Mutex
	Simulations map[uuid.UUID]*domain.Simulation
	StepsBySim  map[uuid.UUID][]domain.Step
	GroupsBySim map[uuid.UUID][]domain.Group
	Templates   map[uuid.UUID]*domain.Template

	ReadDelay time.Duration
}

func NewFakeDefinitionSource() *FakeDefinitionSource {
	return &FakeDefinitionSource{
		Simulations: make(map[uuid.UUID]*domain.Simulation),
		StepsBySim:  make(map[uuid.UUID][]domain.Step),
		GroupsBySim: make(map[uuid.UUID][]domain.Group),
		Templates:   make(map[uuid.UUID]*domain.Template),
	}
}

func (s *FakeDefinitionSource) Simulation(ctx context.Context, id uuid.UUID) (*domain.Simulation, error) {
	if s.ReadDelay > 0 {
		time.Sleep(s.ReadDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sim, ok := s.Simulations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *sim
	return &clone, nil
}

func (s *FakeDefinitionSource) Steps(ctx context.Context, simulationID uuid.UUID) ([]domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Step(nil), s.StepsBySim[simulationID]...), nil
}

func (s *FakeDefinitionSource) Groups(ctx context.Context, simulationID uuid.UUID) ([]domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Group(nil), s.GroupsBySim[simulationID]...), nil
}

func (s *FakeDefinitionSource) Template(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.Templates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *tpl
	return &clone, nil
}
