package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/smilemakc/workforge/internal/application/compiler"
	"github.com/smilemakc/workforge/internal/application/scheduler"
	"github.com/smilemakc/workforge/internal/domain"
)

// Handlers implements the control-plane HTTP surface: thin
// pass-throughs onto the compiler, the Quota Enforcer, and the Scheduler's
// collaborators. It holds no business logic of its own beyond request
// decoding and status-code mapping.
type Handlers struct {
	storage   domain.Storage
	compiler  *compiler.Compiler
	fileStore compiler.FileStore
	quota     *scheduler.QuotaEnforcer
	tracker   progressTracker
	health    *scheduler.HealthLoop
	logger    *slog.Logger
}

// progressTracker is the subset of *workerclient.Tracker the progress
// handler reads from.
type progressTracker interface {
	Get(promptID string) (domain.ProgressRecord, bool)
}

// NewHandlers constructs the Handlers bundle. fileStore backs the inline
// base64 upload path of SubmitJob; it may be nil for deployments whose
// workflows declare no image/mask inputs.
func NewHandlers(storage domain.Storage, comp *compiler.Compiler, fileStore compiler.FileStore, quota *scheduler.QuotaEnforcer, tracker progressTracker, health *scheduler.HealthLoop, logger *slog.Logger) *Handlers {
	return &Handlers{storage: storage, compiler: comp, fileStore: fileStore, quota: quota, tracker: tracker, health: health, logger: logger}
}

// jobSubmissionRequest is the wire shape POST /api/v1/jobs accepts.
// Uploaded file content travels inline as base64, since this module has
// no standalone upload endpoint of its own.
type jobSubmissionRequest struct {
	WorkflowID  uuid.UUID         `json:"workflow_id"`
	Mode        string            `json:"mode"`
	TextInputs  map[string]string `json:"text_inputs"`
	ParamInputs map[string]any    `json:"param_inputs"`
	Files       map[string]string `json:"files"` // key -> base64 content
}

type jobResponse struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	WorkflowID   string         `json:"workflow_id"`
	Mode         string         `json:"mode"`
	Status       string         `json:"status"`
	Result       *domain.Result `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

func toJobResponse(job domain.Job) jobResponse {
	return jobResponse{
		ID:           job.ID().String(),
		UserID:       job.UserID(),
		WorkflowID:   job.WorkflowID().String(),
		Mode:         job.Mode(),
		Status:       job.Status().String(),
		Result:       job.Result(),
		ErrorMessage: job.ErrorMessage(),
		CreatedAt:    job.CreatedAt().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// SubmitJob handles POST /api/v1/jobs: compile the submitted inputs
// against the named workflow, quota-check, and enqueue as QUEUED.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authenticated user")
		return
	}

	var req jobSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request body: %v", err))
		return
	}

	wf, err := h.storage.GetWorkflowDefinition(r.Context(), req.WorkflowID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow definition not found: %v", err))
		return
	}
	if !wf.IsActive() {
		writeError(w, http.StatusBadRequest, "workflow definition is not active")
		return
	}

	uploadedFiles, err := h.stageUploadedFiles(r.Context(), wf.ID(), req.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("storing uploaded files: %v", err))
		return
	}

	result, err := h.compiler.Compile(r.Context(), compiler.CompileInput{
		UIGraph:       wf.UIGraph(),
		Spec:          wf.Spec(),
		TextInputs:    req.TextInputs,
		ParamInputs:   req.ParamInputs,
		UploadedFiles: uploadedFiles,
		Mode:          req.Mode,
	})
	if err != nil {
		writeCompileError(w, err)
		return
	}

	job, err := domain.NewJob(userID, wf.ID(), req.Mode, req.TextInputs, req.ParamInputs, result.Files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := job.SetPreparedWorkflow(result.Graph); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.quota.Submit(r.Context(), job); err != nil {
		if domain.IsCode(err, domain.ErrCodeQuotaExceeded) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		h.logger.Error("failed to submit job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// stageUploadedFiles base64-decodes each inline file and writes it through
// the compiler's FileStore, keyed by a per-workflow, per-key storage path.
// The result is the UploadedFiles map CompileInput expects: Spec input
// key -> local storage path.
func (h *Handlers) stageUploadedFiles(ctx context.Context, workflowID uuid.UUID, files map[string]string) (map[string]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if h.fileStore == nil {
		return nil, fmt.Errorf("this deployment has no file store configured for uploads")
	}

	out := make(map[string]string, len(files))
	for key, encoded := range files {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding file %q: %w", key, err)
		}
		path := fmt.Sprintf("uploads/%s/%s", workflowID, key)
		if err := h.fileStore.Write(ctx, path, data); err != nil {
			return nil, fmt.Errorf("writing file %q: %w", key, err)
		}
		out[key] = path
	}
	return out, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// the header is already sent at this point; nothing more to do.
		return
	}
}

func writeCompileError(w http.ResponseWriter, err error) {
	for _, code := range []string{domain.ErrCodeInvalidGraph, domain.ErrCodeBindingNotFound, domain.ErrCodeInvalidModeForKey, domain.ErrCodeValidationFailed} {
		if domain.IsCode(err, code) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := h.storage.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// GetJobProgress handles GET /api/v1/jobs/{id}/progress: reads the
// in-memory ProgressRecord for the job's latest execution's prompt_id.
func (h *Handlers) GetJobProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	exec, err := h.storage.GetLatestJobExecution(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no execution for job: %v", err))
		return
	}
	if exec.PromptID() == "" {
		writeError(w, http.StatusNotFound, "execution has not been dispatched yet")
		return
	}

	record, ok := h.tracker.Get(exec.PromptID())
	if !ok {
		writeError(w, http.StatusNotFound, "no progress recorded for this execution")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// HealthcheckNode handles POST /api/v1/admin/nodes/{id}/healthcheck: the
// manual admin trigger for the health loop.
func (h *Handlers) HealthcheckNode(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node id")
		return
	}

	node, err := h.storage.GetWorkerNode(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.health.ProbeNode(r.Context(), node)

	node, err = h.storage.GetWorkerNode(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        node.ID().String(),
		"is_active": node.IsActive(),
	})
}
