package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobExecution is one attempt to dispatch a Job to a worker node and
// observe its completion. A Job may accumulate several executions over
// time (future retry support); only the latest is authoritative.
type JobExecution interface {
	ID() uuid.UUID
	JobID() uuid.UUID
	NodeID() uuid.UUID
	Status() ExecutionStatus
	PromptID() string
	ErrorMessage() string
	StartedAt() time.Time
	FinishedAt() *time.Time
	CreatedAt() time.Time

	SetPromptID(promptID string)
	Finish(status ExecutionStatus, errMsg string) error
}

type jobExecution struct {
	id           uuid.UUID
	jobID        uuid.UUID
	nodeID       uuid.UUID
	status       ExecutionStatus
	promptID     string
	errorMessage string
	startedAt    time.Time
	finishedAt   *time.Time
	createdAt    time.Time
}

// NewJobExecution constructs a RUNNING execution record, as created by the
// scheduler's dispatch phase at the moment a node has been selected.
func NewJobExecution(jobID, nodeID uuid.UUID) (JobExecution, error) {
	now := time.Now()
	return &jobExecution{
		id:        uuid.New(),
		jobID:     jobID,
		nodeID:    nodeID,
		status:    ExecutionStatusRunning,
		startedAt: now,
		createdAt: now,
	}, nil
}

// ReconstructJobExecution rebuilds a JobExecution from persisted fields.
func ReconstructJobExecution(
	id, jobID, nodeID uuid.UUID,
	status ExecutionStatus,
	promptID, errorMessage string,
	startedAt time.Time,
	finishedAt *time.Time,
	createdAt time.Time,
) (JobExecution, error) {
	return &jobExecution{
		id:           id,
		jobID:        jobID,
		nodeID:       nodeID,
		status:       status,
		promptID:     promptID,
		errorMessage: errorMessage,
		startedAt:    startedAt,
		finishedAt:   finishedAt,
		createdAt:    createdAt,
	}, nil
}

func (e *jobExecution) ID() uuid.UUID           { return e.id }
func (e *jobExecution) JobID() uuid.UUID        { return e.jobID }
func (e *jobExecution) NodeID() uuid.UUID       { return e.nodeID }
func (e *jobExecution) Status() ExecutionStatus { return e.status }
func (e *jobExecution) PromptID() string        { return e.promptID }
func (e *jobExecution) ErrorMessage() string    { return e.errorMessage }
func (e *jobExecution) StartedAt() time.Time    { return e.startedAt }
func (e *jobExecution) FinishedAt() *time.Time  { return e.finishedAt }
func (e *jobExecution) CreatedAt() time.Time    { return e.createdAt }

func (e *jobExecution) SetPromptID(promptID string) {
	e.promptID = promptID
}

// maxErrorMessageLen bounds JobExecution.ErrorMessage so a pathological
// backend response body can't blow out a text column.
const maxErrorMessageLen = 4096

func (e *jobExecution) Finish(status ExecutionStatus, errMsg string) error {
	if e.status.IsTerminal() {
		return nil
	}
	if !status.IsTerminal() {
		return NewDomainError(ErrCodeInvalidState, "JobExecution.Finish requires a terminal status", nil)
	}
	if len(errMsg) > maxErrorMessageLen {
		errMsg = errMsg[:maxErrorMessageLen]
	}
	now := time.Now()
	e.status = status
	e.errorMessage = errMsg
	e.finishedAt = &now
	return nil
}
