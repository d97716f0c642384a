package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WorkflowDefinitionRepository persists and retrieves WorkflowDefinition
// aggregates.
type WorkflowDefinitionRepository interface {
	SaveWorkflowDefinition(ctx context.Context, wf WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, id uuid.UUID) (WorkflowDefinition, error)
	GetWorkflowDefinitionBySlug(ctx context.Context, slug string) (WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context, activeOnly bool) ([]WorkflowDefinition, error)
}

// JobRepository persists and retrieves Job aggregates, and answers the
// quota-counting queries the Quota Enforcer needs in the same snapshot as
// the submission transaction.
type JobRepository interface {
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)

	// CountActiveJobsForUser counts jobs in {QUEUED, RUNNING} for userID,
	// used by the quota enforcer's concurrent-jobs check.
	CountActiveJobsForUser(ctx context.Context, userID string) (int, error)

	// CountJobsCreatedSince counts jobs created by userID at or after
	// since, used by the quota enforcer's daily-jobs check.
	CountJobsCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)

	// ClaimQueuedJobs atomically marks up to limit QUEUED jobs as claimed
	// by this scheduler process and returns them, ordered oldest-first.
	// Implementations backed by a relational store must use a
	// SELECT ... FOR UPDATE SKIP LOCKED-equivalent claim so multiple
	// scheduler processes never dispatch the same job twice.
	ClaimQueuedJobs(ctx context.Context, limit int) ([]Job, error)
}

// JobExecutionRepository persists and retrieves JobExecution records.
type JobExecutionRepository interface {
	SaveJobExecution(ctx context.Context, exec JobExecution) error
	GetJobExecution(ctx context.Context, id uuid.UUID) (JobExecution, error)

	// GetLatestJobExecution returns the most recently created execution
	// for jobID, used to decide whether Job.status == DONE/ERROR implies
	// its latest execution is terminal.
	GetLatestJobExecution(ctx context.Context, jobID uuid.UUID) (JobExecution, error)

	// ListRunningJobExecutions returns up to limit executions in RUNNING
	// with a non-empty prompt_id, for the scheduler's poll phase.
	ListRunningJobExecutions(ctx context.Context, limit int) ([]JobExecution, error)

	// CountActiveExecutionsForNode counts executions in {QUEUED, RUNNING}
	// assigned to nodeID, the load signal node selection ranks on.
	CountActiveExecutionsForNode(ctx context.Context, nodeID uuid.UUID) (int, error)
}

// WorkerNodeRepository persists and retrieves WorkerNode records.
type WorkerNodeRepository interface {
	SaveWorkerNode(ctx context.Context, node WorkerNode) error
	GetWorkerNode(ctx context.Context, id uuid.UUID) (WorkerNode, error)
	ListWorkerNodes(ctx context.Context) ([]WorkerNode, error)
	ListActiveWorkerNodes(ctx context.Context) ([]WorkerNode, error)
}

// UserLimitsRepository persists per-user quota overrides, creating
// defaults lazily on first query.
type UserLimitsRepository interface {
	GetUserLimits(ctx context.Context, userID string) (UserLimits, error)
	SaveUserLimits(ctx context.Context, limits UserLimits) error
}

// Storage is the combined repository surface the application layer
// depends on. A single implementation (e.g. a transactional SQL store)
// typically satisfies all of it so multi-aggregate operations — like job
// submission's quota check plus insert — can run in one transaction.
type Storage interface {
	WorkflowDefinitionRepository
	JobRepository
	JobExecutionRepository
	WorkerNodeRepository
	UserLimitsRepository

	// WithTx runs fn against a Storage bound to a single transaction,
	// committing on a nil return and rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error
}
