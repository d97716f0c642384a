// Package storage provides the two domain.Storage implementations this
// module ships: an in-memory store for tests and local development, and a
// Postgres-backed BunStore for production deployments.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/workforge/internal/domain"
)

// memoryState holds the actual maps. Its methods assume the caller
// already holds whatever lock guards them — it has no locking of its
// own, so it can be shared between MemoryStore's locked top-level methods
// and WithTx's single-lock transaction view without risking a
// non-reentrant sync.Mutex deadlocking on itself.
type memoryState struct {
	workflows map[uuid.UUID]domain.WorkflowDefinition
	jobs      map[uuid.UUID]domain.Job
	claimed   map[uuid.UUID]bool
	execs     map[uuid.UUID]domain.JobExecution
	nodes     map[uuid.UUID]domain.WorkerNode
	limits    map[string]domain.UserLimits
}

func newMemoryState() *memoryState {
	return &memoryState{
		workflows: make(map[uuid.UUID]domain.WorkflowDefinition),
		jobs:      make(map[uuid.UUID]domain.Job),
		claimed:   make(map[uuid.UUID]bool),
		execs:     make(map[uuid.UUID]domain.JobExecution),
		nodes:     make(map[uuid.UUID]domain.WorkerNode),
		limits:    make(map[string]domain.UserLimits),
	}
}

func (m *memoryState) saveWorkflowDefinition(wf domain.WorkflowDefinition) { m.workflows[wf.ID()] = wf }

func (m *memoryState) getWorkflowDefinition(id uuid.UUID) (domain.WorkflowDefinition, error) {
	wf, ok := m.workflows[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "workflow definition not found", nil)
	}
	return wf, nil
}

func (m *memoryState) getWorkflowDefinitionBySlug(slug string) (domain.WorkflowDefinition, error) {
	for _, wf := range m.workflows {
		if wf.Slug() == slug {
			return wf, nil
		}
	}
	return nil, domain.NewDomainError(domain.ErrCodeNotFound, "workflow definition not found: "+slug, nil)
}

func (m *memoryState) listWorkflowDefinitions(activeOnly bool) []domain.WorkflowDefinition {
	out := make([]domain.WorkflowDefinition, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if activeOnly && !wf.IsActive() {
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug() < out[j].Slug() })
	return out
}

func (m *memoryState) saveJob(job domain.Job) { m.jobs[job.ID()] = job }

func (m *memoryState) getJob(id uuid.UUID) (domain.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "job not found", nil)
	}
	return j, nil
}

func (m *memoryState) countActiveJobsForUser(userID string) int {
	n := 0
	for _, j := range m.jobs {
		if j.UserID() != userID {
			continue
		}
		if j.Status() == domain.JobStatusQueued || j.Status() == domain.JobStatusRunning {
			n++
		}
	}
	return n
}

func (m *memoryState) countJobsCreatedSince(userID string, since time.Time) int {
	n := 0
	for _, j := range m.jobs {
		if j.UserID() == userID && !j.CreatedAt().Before(since) {
			n++
		}
	}
	return n
}

// claimQueuedJobs marks up to limit QUEUED, not-yet-claimed jobs as
// claimed and returns them oldest-created-first. The claimed set is
// process-local; a non-relational deployment runs one scheduler loop
// per process.
func (m *memoryState) claimQueuedJobs(limit int) []domain.Job {
	candidates := make([]domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status() != domain.JobStatusQueued || m.claimed[j.ID()] {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt().Before(candidates[j].CreatedAt())
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, j := range candidates {
		m.claimed[j.ID()] = true
	}
	return candidates
}

func (m *memoryState) saveJobExecution(exec domain.JobExecution) { m.execs[exec.ID()] = exec }

func (m *memoryState) getJobExecution(id uuid.UUID) (domain.JobExecution, error) {
	e, ok := m.execs[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "job execution not found", nil)
	}
	return e, nil
}

func (m *memoryState) getLatestJobExecution(jobID uuid.UUID) (domain.JobExecution, error) {
	var latest domain.JobExecution
	for _, e := range m.execs {
		if e.JobID() != jobID {
			continue
		}
		if latest == nil || e.CreatedAt().After(latest.CreatedAt()) {
			latest = e
		}
	}
	if latest == nil {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "no execution for job", nil)
	}
	return latest, nil
}

func (m *memoryState) listRunningJobExecutions(limit int) []domain.JobExecution {
	out := make([]domain.JobExecution, 0, limit)
	for _, e := range m.execs {
		if e.Status() != domain.ExecutionStatusRunning || e.PromptID() == "" {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memoryState) countActiveExecutionsForNode(nodeID uuid.UUID) int {
	n := 0
	for _, e := range m.execs {
		if e.NodeID() != nodeID {
			continue
		}
		if e.Status() == domain.ExecutionStatusQueued || e.Status() == domain.ExecutionStatusRunning {
			n++
		}
	}
	return n
}

func (m *memoryState) saveWorkerNode(node domain.WorkerNode) { m.nodes[node.ID()] = node }

func (m *memoryState) getWorkerNode(id uuid.UUID) (domain.WorkerNode, error) {
	n, ok := m.nodes[id]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "worker node not found", nil)
	}
	return n, nil
}

func (m *memoryState) listWorkerNodes() []domain.WorkerNode {
	out := make([]domain.WorkerNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (m *memoryState) listActiveWorkerNodes() []domain.WorkerNode {
	out := make([]domain.WorkerNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.IsActive() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (m *memoryState) getUserLimits(userID string) domain.UserLimits {
	if l, ok := m.limits[userID]; ok {
		return l
	}
	l := domain.NewDefaultUserLimits(userID)
	m.limits[userID] = l
	return l
}

func (m *memoryState) saveUserLimits(limits domain.UserLimits) { m.limits[limits.UserID] = limits }

// MemoryStore is a mutex-guarded, process-local domain.Storage
// implementation, suitable for tests and local development without a
// database. WithTx takes the store-wide lock for its callback's whole
// duration so multi-aggregate operations (a quota count plus a job
// insert) see a consistent snapshot, standing in for a relational
// transaction.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

// memoryTx is the domain.Storage view handed to a WithTx callback: it
// operates on the same memoryState directly, without locking, because
// WithTx already holds MemoryStore's lock for the callback's duration.
type memoryTx struct {
	state *memoryState
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &memoryTx{state: s.state})
}

func (s *MemoryStore) SaveWorkflowDefinition(ctx context.Context, wf domain.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.saveWorkflowDefinition(wf)
	return nil
}

func (s *MemoryStore) GetWorkflowDefinition(ctx context.Context, id uuid.UUID) (domain.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getWorkflowDefinition(id)
}

func (s *MemoryStore) GetWorkflowDefinitionBySlug(ctx context.Context, slug string) (domain.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getWorkflowDefinitionBySlug(slug)
}

func (s *MemoryStore) ListWorkflowDefinitions(ctx context.Context, activeOnly bool) ([]domain.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listWorkflowDefinitions(activeOnly), nil
}

func (s *MemoryStore) SaveJob(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.saveJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getJob(id)
}

func (s *MemoryStore) CountActiveJobsForUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.countActiveJobsForUser(userID), nil
}

func (s *MemoryStore) CountJobsCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.countJobsCreatedSince(userID, since), nil
}

func (s *MemoryStore) ClaimQueuedJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.claimQueuedJobs(limit), nil
}

func (s *MemoryStore) SaveJobExecution(ctx context.Context, exec domain.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.saveJobExecution(exec)
	return nil
}

func (s *MemoryStore) GetJobExecution(ctx context.Context, id uuid.UUID) (domain.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getJobExecution(id)
}

func (s *MemoryStore) GetLatestJobExecution(ctx context.Context, jobID uuid.UUID) (domain.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getLatestJobExecution(jobID)
}

func (s *MemoryStore) ListRunningJobExecutions(ctx context.Context, limit int) ([]domain.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listRunningJobExecutions(limit), nil
}

func (s *MemoryStore) CountActiveExecutionsForNode(ctx context.Context, nodeID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.countActiveExecutionsForNode(nodeID), nil
}

func (s *MemoryStore) SaveWorkerNode(ctx context.Context, node domain.WorkerNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.saveWorkerNode(node)
	return nil
}

func (s *MemoryStore) GetWorkerNode(ctx context.Context, id uuid.UUID) (domain.WorkerNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getWorkerNode(id)
}

func (s *MemoryStore) ListWorkerNodes(ctx context.Context) ([]domain.WorkerNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listWorkerNodes(), nil
}

func (s *MemoryStore) ListActiveWorkerNodes(ctx context.Context) ([]domain.WorkerNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listActiveWorkerNodes(), nil
}

func (s *MemoryStore) GetUserLimits(ctx context.Context, userID string) (domain.UserLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getUserLimits(userID), nil
}

func (s *MemoryStore) SaveUserLimits(ctx context.Context, limits domain.UserLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.saveUserLimits(limits)
	return nil
}

// --- memoryTx: same methods, no locking (caller already holds it) ---

func (t *memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Storage) error) error {
	return fn(ctx, t)
}

func (t *memoryTx) SaveWorkflowDefinition(ctx context.Context, wf domain.WorkflowDefinition) error {
	t.state.saveWorkflowDefinition(wf)
	return nil
}

func (t *memoryTx) GetWorkflowDefinition(ctx context.Context, id uuid.UUID) (domain.WorkflowDefinition, error) {
	return t.state.getWorkflowDefinition(id)
}

func (t *memoryTx) GetWorkflowDefinitionBySlug(ctx context.Context, slug string) (domain.WorkflowDefinition, error) {
	return t.state.getWorkflowDefinitionBySlug(slug)
}

func (t *memoryTx) ListWorkflowDefinitions(ctx context.Context, activeOnly bool) ([]domain.WorkflowDefinition, error) {
	return t.state.listWorkflowDefinitions(activeOnly), nil
}

func (t *memoryTx) SaveJob(ctx context.Context, job domain.Job) error {
	t.state.saveJob(job)
	return nil
}

func (t *memoryTx) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	return t.state.getJob(id)
}

func (t *memoryTx) CountActiveJobsForUser(ctx context.Context, userID string) (int, error) {
	return t.state.countActiveJobsForUser(userID), nil
}

func (t *memoryTx) CountJobsCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return t.state.countJobsCreatedSince(userID, since), nil
}

func (t *memoryTx) ClaimQueuedJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	return t.state.claimQueuedJobs(limit), nil
}

func (t *memoryTx) SaveJobExecution(ctx context.Context, exec domain.JobExecution) error {
	t.state.saveJobExecution(exec)
	return nil
}

func (t *memoryTx) GetJobExecution(ctx context.Context, id uuid.UUID) (domain.JobExecution, error) {
	return t.state.getJobExecution(id)
}

func (t *memoryTx) GetLatestJobExecution(ctx context.Context, jobID uuid.UUID) (domain.JobExecution, error) {
	return t.state.getLatestJobExecution(jobID)
}

func (t *memoryTx) ListRunningJobExecutions(ctx context.Context, limit int) ([]domain.JobExecution, error) {
	return t.state.listRunningJobExecutions(limit), nil
}

func (t *memoryTx) CountActiveExecutionsForNode(ctx context.Context, nodeID uuid.UUID) (int, error) {
	return t.state.countActiveExecutionsForNode(nodeID), nil
}

func (t *memoryTx) SaveWorkerNode(ctx context.Context, node domain.WorkerNode) error {
	t.state.saveWorkerNode(node)
	return nil
}

func (t *memoryTx) GetWorkerNode(ctx context.Context, id uuid.UUID) (domain.WorkerNode, error) {
	return t.state.getWorkerNode(id)
}

func (t *memoryTx) ListWorkerNodes(ctx context.Context) ([]domain.WorkerNode, error) {
	return t.state.listWorkerNodes(), nil
}

func (t *memoryTx) ListActiveWorkerNodes(ctx context.Context) ([]domain.WorkerNode, error) {
	return t.state.listActiveWorkerNodes(), nil
}

func (t *memoryTx) GetUserLimits(ctx context.Context, userID string) (domain.UserLimits, error) {
	return t.state.getUserLimits(userID), nil
}

func (t *memoryTx) SaveUserLimits(ctx context.Context, limits domain.UserLimits) error {
	t.state.saveUserLimits(limits)
	return nil
}

var (
	_ domain.Storage = (*MemoryStore)(nil)
	_ domain.Storage = (*memoryTx)(nil)
)
