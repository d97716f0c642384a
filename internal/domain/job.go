package domain

import (
	"time"

	"github.com/google/uuid"
)

// Job is an aggregate root representing one user submission: a workflow
// instantiated with concrete inputs, tracked through to a terminal
// DONE/ERROR outcome. Once Status is terminal no later operation
// may alter Status or Result.
type Job interface {
	ID() uuid.UUID
	UserID() string
	WorkflowID() uuid.UUID
	Mode() string
	TextInputs() map[string]string
	ParamInputs() map[string]any
	Files() map[string]string
	PreparedWorkflow() *PromptGraph
	Status() JobStatus
	Result() *Result
	ErrorMessage() string
	CreatedAt() time.Time

	// SetPreparedWorkflow stores the compiled prompt-graph snapshot used
	// for dispatch. Rejected once the Job is terminal.
	SetPreparedWorkflow(graph *PromptGraph) error
	// MarkRunning transitions QUEUED -> RUNNING when the scheduler creates
	// the first JobExecution for this Job.
	MarkRunning() error
	// Finish transitions RUNNING -> {DONE, ERROR} and is a no-op once the
	// Job is already terminal.
	Finish(status JobStatus, result *Result, errMsg string) error
}

type job struct {
	id               uuid.UUID
	userID           string
	workflowID       uuid.UUID
	mode             string
	textInputs       map[string]string
	paramInputs      map[string]any
	files            map[string]string
	preparedWorkflow *PromptGraph
	status           JobStatus
	result           *Result
	errorMessage     string
	createdAt        time.Time
}

// NewJob constructs a freshly submitted Job in state QUEUED.
func NewJob(userID string, workflowID uuid.UUID, mode string, textInputs map[string]string, paramInputs map[string]any, files map[string]string) (Job, error) {
	if userID == "" {
		return nil, NewDomainError(ErrCodeValidationFailed, "user id must not be empty", nil)
	}
	return &job{
		id:          uuid.New(),
		userID:      userID,
		workflowID:  workflowID,
		mode:        mode,
		textInputs:  cloneStringMap(textInputs),
		paramInputs: cloneAnyMap(paramInputs),
		files:       cloneStringMap(files),
		status:      JobStatusQueued,
		createdAt:   time.Now(),
	}, nil
}

// ReconstructJob rebuilds a Job from persisted fields without
// re-validating submission-time invariants.
func ReconstructJob(
	id uuid.UUID,
	userID string,
	workflowID uuid.UUID,
	mode string,
	textInputs map[string]string,
	paramInputs map[string]any,
	files map[string]string,
	preparedWorkflow *PromptGraph,
	status JobStatus,
	result *Result,
	errorMessage string,
	createdAt time.Time,
) (Job, error) {
	if !status.IsValid() {
		return nil, NewDomainError(ErrCodeInvalidState, "unknown job status: "+string(status), nil)
	}
	return &job{
		id:               id,
		userID:           userID,
		workflowID:       workflowID,
		mode:             mode,
		textInputs:       textInputs,
		paramInputs:      paramInputs,
		files:            files,
		preparedWorkflow: preparedWorkflow,
		status:           status,
		result:           result,
		errorMessage:     errorMessage,
		createdAt:        createdAt,
	}, nil
}

func (j *job) ID() uuid.UUID                  { return j.id }
func (j *job) UserID() string                 { return j.userID }
func (j *job) WorkflowID() uuid.UUID          { return j.workflowID }
func (j *job) Mode() string                   { return j.mode }
func (j *job) TextInputs() map[string]string  { return j.textInputs }
func (j *job) ParamInputs() map[string]any    { return j.paramInputs }
func (j *job) Files() map[string]string       { return j.files }
func (j *job) PreparedWorkflow() *PromptGraph { return j.preparedWorkflow }
func (j *job) Status() JobStatus              { return j.status }
func (j *job) Result() *Result                { return j.result }
func (j *job) ErrorMessage() string           { return j.errorMessage }
func (j *job) CreatedAt() time.Time           { return j.createdAt }

func (j *job) SetPreparedWorkflow(graph *PromptGraph) error {
	if j.status.IsTerminal() {
		return NewDomainError(ErrCodeInvalidState, "cannot modify prepared_workflow of a terminal job", nil)
	}
	j.preparedWorkflow = graph
	return nil
}

func (j *job) MarkRunning() error {
	if j.status.IsTerminal() {
		return NewDomainError(ErrCodeInvalidState, "cannot run a terminal job", nil)
	}
	j.status = JobStatusRunning
	return nil
}

func (j *job) Finish(status JobStatus, result *Result, errMsg string) error {
	if j.status.IsTerminal() {
		// Terminal fixpoint. Silently ignore rather than error, since
		// a racing poll tick observing an already-finalized job is
		// expected, not exceptional.
		return nil
	}
	if status != JobStatusDone && status != JobStatusError {
		return NewDomainError(ErrCodeInvalidState, "Finish requires a terminal status", nil)
	}
	j.status = status
	j.result = result
	j.errorMessage = errMsg
	return nil
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
