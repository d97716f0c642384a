package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/workforge/internal/domain"
)

func newQueuedJob(t *testing.T) domain.Job {
	t.Helper()
	job, err := domain.NewJob("user-1", uuid.New(), "default", nil, nil, nil)
	require.NoError(t, err)
	return job
}

// Terminal fixpoint: once a Job is DONE/ERROR, no subsequent
// operation alters its status or result.
func TestJob_TerminalFixpoint(t *testing.T) {
	job := newQueuedJob(t)
	require.NoError(t, job.MarkRunning())

	result := &domain.Result{Images: []domain.Artifact{{Filename: "a.png", Type: "output"}}}
	require.NoError(t, job.Finish(domain.JobStatusDone, result, ""))
	assert.Equal(t, domain.JobStatusDone, job.Status())

	// A second finish attempt (e.g. a racing poll tick) must be a no-op.
	err := job.Finish(domain.JobStatusError, nil, "a late failure")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, job.Status(), "status must not flip away from the first terminal state")
	assert.Equal(t, result, job.Result(), "result must not be overwritten once terminal")
	assert.Empty(t, job.ErrorMessage())
}

func TestJob_MarkRunning_RejectsTerminalJob(t *testing.T) {
	job := newQueuedJob(t)
	require.NoError(t, job.MarkRunning())
	require.NoError(t, job.Finish(domain.JobStatusError, nil, "boom"))

	err := job.MarkRunning()
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeInvalidState))
}

func TestJob_SetPreparedWorkflow_RejectsTerminalJob(t *testing.T) {
	job := newQueuedJob(t)
	require.NoError(t, job.MarkRunning())
	require.NoError(t, job.Finish(domain.JobStatusDone, &domain.Result{}, ""))

	err := job.SetPreparedWorkflow(domain.NewPromptGraph())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeInvalidState))
}

func TestJob_Finish_RequiresTerminalStatus(t *testing.T) {
	job := newQueuedJob(t)
	require.NoError(t, job.MarkRunning())

	err := job.Finish(domain.JobStatusRunning, nil, "")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeInvalidState))
}

// Job.status terminal implies the latest JobExecution is in the same
// terminal state. This is enforced by the scheduler always finishing both
// together (see scheduler.finalizeExecutionError / pollOne); here we check
// the JobExecution side of that pairing in isolation.
func TestJobExecution_FinishIsTerminalFixpoint(t *testing.T) {
	exec, err := domain.NewJobExecution(uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, exec.Status())

	require.NoError(t, exec.Finish(domain.ExecutionStatusDone, ""))
	assert.Equal(t, domain.ExecutionStatusDone, exec.Status())
	assert.NotNil(t, exec.FinishedAt())

	// A second Finish call must not flip a terminal execution to ERROR.
	require.NoError(t, exec.Finish(domain.ExecutionStatusError, "too late"))
	assert.Equal(t, domain.ExecutionStatusDone, exec.Status())
	assert.Empty(t, exec.ErrorMessage())
}

func TestJobExecution_Finish_RequiresTerminalStatus(t *testing.T) {
	exec, err := domain.NewJobExecution(uuid.New(), uuid.New())
	require.NoError(t, err)

	err = exec.Finish(domain.ExecutionStatusQueued, "")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeInvalidState))
}

func TestNewJob_RejectsEmptyUserID(t *testing.T) {
	_, err := domain.NewJob("", uuid.New(), "default", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeValidationFailed))
}
