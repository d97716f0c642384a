package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/smilemakc/workforge/internal/domain"
	"github.com/smilemakc/workforge/internal/infrastructure/storage/models"
)

// BunStore is the Postgres-backed domain.Storage implementation, built on
// uptrace/bun. db is bun.IDB rather than *bun.DB so the same type serves
// both top-level calls and calls made from inside a WithTx callback.
type BunStore struct {
	db bun.IDB
}

// NewBunStore wraps an already-connected *bun.DB.
func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

// InitSchema creates every table BunStore needs if it doesn't already
// exist. It is meant for first-run bootstrap and tests; a production
// deployment with an evolving schema would run proper migrations instead.
func (s *BunStore) InitSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.WorkflowDefinitionModel)(nil),
		(*models.JobModel)(nil),
		(*models.JobExecutionModel)(nil),
		(*models.WorkerNodeModel)(nil),
		(*models.UserLimitsModel)(nil),
	}
	for _, m := range tables {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *BunStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Storage) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &BunStore{db: tx})
	})
}

// --- WorkflowDefinitionRepository ---

func (s *BunStore) SaveWorkflowDefinition(ctx context.Context, wf domain.WorkflowDefinition) error {
	m, err := workflowDefinitionToModel(wf)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().
		Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("slug = EXCLUDED.slug").
		Set("name = EXCLUDED.name").
		Set("category = EXCLUDED.category").
		Set("version = EXCLUDED.version").
		Set("is_active = EXCLUDED.is_active").
		Set("ui_graph = EXCLUDED.ui_graph").
		Set("spec = EXCLUDED.spec").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save workflow definition: %w", err)
	}
	return nil
}

func (s *BunStore) GetWorkflowDefinition(ctx context.Context, id uuid.UUID) (domain.WorkflowDefinition, error) {
	m := new(models.WorkflowDefinitionModel)
	if err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "workflow definition")
	}
	return workflowDefinitionFromModel(m)
}

func (s *BunStore) GetWorkflowDefinitionBySlug(ctx context.Context, slug string) (domain.WorkflowDefinition, error) {
	m := new(models.WorkflowDefinitionModel)
	if err := s.db.NewSelect().Model(m).Where("slug = ?", slug).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "workflow definition")
	}
	return workflowDefinitionFromModel(m)
}

func (s *BunStore) ListWorkflowDefinitions(ctx context.Context, activeOnly bool) ([]domain.WorkflowDefinition, error) {
	var rows []*models.WorkflowDefinitionModel
	q := s.db.NewSelect().Model(&rows).Order("slug ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}
	out := make([]domain.WorkflowDefinition, 0, len(rows))
	for _, m := range rows {
		wf, err := workflowDefinitionFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// --- JobRepository ---

func (s *BunStore) SaveJob(ctx context.Context, job domain.Job) error {
	m, err := jobToModel(job)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().
		Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("prepared_workflow = EXCLUDED.prepared_workflow").
		Set("result = EXCLUDED.result").
		Set("error_message = EXCLUDED.error_message").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *BunStore) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	m := new(models.JobModel)
	if err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "job")
	}
	return jobFromModel(m)
}

func (s *BunStore) CountActiveJobsForUser(ctx context.Context, userID string) (int, error) {
	n, err := s.db.NewSelect().
		Model((*models.JobModel)(nil)).
		Where("user_id = ?", userID).
		Where("status IN (?, ?)", string(domain.JobStatusQueued), string(domain.JobStatusRunning)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count active jobs for user: %w", err)
	}
	return n, nil
}

func (s *BunStore) CountJobsCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	n, err := s.db.NewSelect().
		Model((*models.JobModel)(nil)).
		Where("user_id = ?", userID).
		Where("created_at >= ?", since).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count jobs created since: %w", err)
	}
	return n, nil
}

// ClaimQueuedJobs atomically marks up to limit QUEUED, unclaimed jobs as
// claimed in a single statement: the inner SELECT locks its candidate rows
// FOR UPDATE SKIP LOCKED, so a second scheduler process racing the same
// query skips rows the first is already claiming instead of blocking on
// them, and the two processes never claim the same job twice.
func (s *BunStore) ClaimQueuedJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	var rows []*models.JobModel
	err := s.db.NewRaw(`
		WITH claimable AS (
			SELECT id FROM jobs
			WHERE status = ? AND claimed = false
			ORDER BY created_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET claimed = true
		WHERE id IN (SELECT id FROM claimable)
		RETURNING jobs.*
	`, string(domain.JobStatusQueued), limit).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("claim queued jobs: %w", err)
	}
	out := make([]domain.Job, 0, len(rows))
	for _, m := range rows {
		j, err := jobFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// --- JobExecutionRepository ---

func (s *BunStore) SaveJobExecution(ctx context.Context, exec domain.JobExecution) error {
	m := jobExecutionToModel(exec)
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("prompt_id = EXCLUDED.prompt_id").
		Set("error_message = EXCLUDED.error_message").
		Set("finished_at = EXCLUDED.finished_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save job execution: %w", err)
	}
	return nil
}

func (s *BunStore) GetJobExecution(ctx context.Context, id uuid.UUID) (domain.JobExecution, error) {
	m := new(models.JobExecutionModel)
	if err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "job execution")
	}
	return jobExecutionFromModel(m)
}

func (s *BunStore) GetLatestJobExecution(ctx context.Context, jobID uuid.UUID) (domain.JobExecution, error) {
	m := new(models.JobExecutionModel)
	err := s.db.NewSelect().
		Model(m).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, wrapNotFound(err, "job execution")
	}
	return jobExecutionFromModel(m)
}

func (s *BunStore) ListRunningJobExecutions(ctx context.Context, limit int) ([]domain.JobExecution, error) {
	var rows []*models.JobExecutionModel
	err := s.db.NewSelect().
		Model(&rows).
		Where("status = ?", string(domain.ExecutionStatusRunning)).
		Where("prompt_id <> ''").
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running job executions: %w", err)
	}
	out := make([]domain.JobExecution, 0, len(rows))
	for _, m := range rows {
		e, err := jobExecutionFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *BunStore) CountActiveExecutionsForNode(ctx context.Context, nodeID uuid.UUID) (int, error) {
	n, err := s.db.NewSelect().
		Model((*models.JobExecutionModel)(nil)).
		Where("node_id = ?", nodeID).
		Where("status IN (?, ?)", string(domain.ExecutionStatusQueued), string(domain.ExecutionStatusRunning)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count active executions for node: %w", err)
	}
	return n, nil
}

// --- WorkerNodeRepository ---

func (s *BunStore) SaveWorkerNode(ctx context.Context, node domain.WorkerNode) error {
	m := workerNodeToModel(node)
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("base_url = EXCLUDED.base_url").
		Set("is_active = EXCLUDED.is_active").
		Set("max_queue = EXCLUDED.max_queue").
		Set("priority = EXCLUDED.priority").
		Set("last_seen = EXCLUDED.last_seen").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save worker node: %w", err)
	}
	return nil
}

func (s *BunStore) GetWorkerNode(ctx context.Context, id uuid.UUID) (domain.WorkerNode, error) {
	m := new(models.WorkerNodeModel)
	if err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "worker node")
	}
	return workerNodeFromModel(m)
}

func (s *BunStore) ListWorkerNodes(ctx context.Context) ([]domain.WorkerNode, error) {
	var rows []*models.WorkerNodeModel
	if err := s.db.NewSelect().Model(&rows).Order("name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list worker nodes: %w", err)
	}
	return workerNodesFromModels(rows)
}

func (s *BunStore) ListActiveWorkerNodes(ctx context.Context) ([]domain.WorkerNode, error) {
	var rows []*models.WorkerNodeModel
	err := s.db.NewSelect().Model(&rows).Where("is_active = ?", true).Order("name ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active worker nodes: %w", err)
	}
	return workerNodesFromModels(rows)
}

// --- UserLimitsRepository ---

func (s *BunStore) GetUserLimits(ctx context.Context, userID string) (domain.UserLimits, error) {
	m := new(models.UserLimitsModel)
	err := s.db.NewSelect().Model(m).Where("user_id = ?", userID).Scan(ctx)
	if err == nil {
		return domain.UserLimits{
			UserID:            m.UserID,
			MaxConcurrentJobs: m.MaxConcurrentJobs,
			MaxJobsPerDay:     m.MaxJobsPerDay,
		}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.UserLimits{}, fmt.Errorf("get user limits: %w", err)
	}

	defaults := domain.NewDefaultUserLimits(userID)
	if err := s.SaveUserLimits(ctx, defaults); err != nil {
		return domain.UserLimits{}, err
	}
	return defaults, nil
}

func (s *BunStore) SaveUserLimits(ctx context.Context, limits domain.UserLimits) error {
	m := &models.UserLimitsModel{
		UserID:            limits.UserID,
		MaxConcurrentJobs: limits.MaxConcurrentJobs,
		MaxJobsPerDay:     limits.MaxJobsPerDay,
	}
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (user_id) DO UPDATE").
		Set("max_concurrent_jobs = EXCLUDED.max_concurrent_jobs").
		Set("max_jobs_per_day = EXCLUDED.max_jobs_per_day").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save user limits: %w", err)
	}
	return nil
}

// --- model <-> domain conversions ---

func wrapNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewDomainError(domain.ErrCodeNotFound, what+" not found", nil)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func workflowDefinitionToModel(wf domain.WorkflowDefinition) (*models.WorkflowDefinitionModel, error) {
	uiGraph, err := json.Marshal(wf.UIGraph())
	if err != nil {
		return nil, fmt.Errorf("marshal ui_graph: %w", err)
	}
	spec, err := json.Marshal(wf.Spec())
	if err != nil {
		return nil, fmt.Errorf("marshal spec: %w", err)
	}
	return &models.WorkflowDefinitionModel{
		ID:        wf.ID(),
		Slug:      wf.Slug(),
		Name:      wf.Name(),
		Category:  wf.Category(),
		Version:   wf.Version(),
		IsActive:  wf.IsActive(),
		UIGraph:   uiGraph,
		Spec:      spec,
		CreatedAt: wf.CreatedAt(),
		UpdatedAt: wf.UpdatedAt(),
	}, nil
}

func workflowDefinitionFromModel(m *models.WorkflowDefinitionModel) (domain.WorkflowDefinition, error) {
	var uiGraph domain.UIGraph
	if err := json.Unmarshal(m.UIGraph, &uiGraph); err != nil {
		return nil, fmt.Errorf("unmarshal ui_graph: %w", err)
	}
	var spec domain.Spec
	if err := json.Unmarshal(m.Spec, &spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	return domain.ReconstructWorkflowDefinition(
		m.ID, m.Slug, m.Name, m.Category, m.Version, m.IsActive,
		uiGraph, spec, m.CreatedAt, m.UpdatedAt,
	)
}

// promptGraphWire gives domain.PromptGraph a storable JSON shape: its own
// struct tags are "-" because the compiler's exported fields are meant to
// stay out of the compiled payload sent to workers, not out of storage.
type promptGraphWire struct {
	Nodes        map[string]domain.PromptNode `json:"nodes"`
	ExtraPNGInfo map[string]any               `json:"extra_pnginfo,omitempty"`
}

func marshalPromptGraph(g *domain.PromptGraph) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	return json.Marshal(promptGraphWire{Nodes: g.Nodes, ExtraPNGInfo: g.ExtraPNGInfo})
}

func unmarshalPromptGraph(data []byte) (*domain.PromptGraph, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var wire promptGraphWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal prepared_workflow: %w", err)
	}
	// LinkRef serializes as a [src_id, src_slot] tuple; rehydrate those so
	// a reloaded graph is interchangeable with a freshly compiled one.
	for id, n := range wire.Nodes {
		for field, v := range n.Inputs {
			if ref, ok := domain.LinkRefFromWire(v); ok {
				n.Inputs[field] = ref
			}
		}
		wire.Nodes[id] = n
	}
	return &domain.PromptGraph{Nodes: wire.Nodes, ExtraPNGInfo: wire.ExtraPNGInfo}, nil
}

func jobToModel(job domain.Job) (*models.JobModel, error) {
	textInputs, err := json.Marshal(job.TextInputs())
	if err != nil {
		return nil, fmt.Errorf("marshal text_inputs: %w", err)
	}
	paramInputs, err := json.Marshal(job.ParamInputs())
	if err != nil {
		return nil, fmt.Errorf("marshal param_inputs: %w", err)
	}
	files, err := json.Marshal(job.Files())
	if err != nil {
		return nil, fmt.Errorf("marshal files: %w", err)
	}
	preparedWorkflow, err := marshalPromptGraph(job.PreparedWorkflow())
	if err != nil {
		return nil, err
	}
	var result []byte
	if r := job.Result(); r != nil {
		result, err = json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return &models.JobModel{
		ID:               job.ID(),
		UserID:           job.UserID(),
		WorkflowID:       job.WorkflowID(),
		Mode:             job.Mode(),
		TextInputs:       textInputs,
		ParamInputs:      paramInputs,
		Files:            files,
		PreparedWorkflow: preparedWorkflow,
		Status:           string(job.Status()),
		Result:           result,
		ErrorMessage:     job.ErrorMessage(),
		Claimed:          job.Status() != domain.JobStatusQueued,
		CreatedAt:        job.CreatedAt(),
	}, nil
}

func jobFromModel(m *models.JobModel) (domain.Job, error) {
	var textInputs map[string]string
	if err := json.Unmarshal(m.TextInputs, &textInputs); err != nil {
		return nil, fmt.Errorf("unmarshal text_inputs: %w", err)
	}
	var paramInputs map[string]any
	if err := json.Unmarshal(m.ParamInputs, &paramInputs); err != nil {
		return nil, fmt.Errorf("unmarshal param_inputs: %w", err)
	}
	var files map[string]string
	if err := json.Unmarshal(m.Files, &files); err != nil {
		return nil, fmt.Errorf("unmarshal files: %w", err)
	}
	preparedWorkflow, err := unmarshalPromptGraph(m.PreparedWorkflow)
	if err != nil {
		return nil, err
	}
	var result *domain.Result
	if len(m.Result) > 0 {
		result = &domain.Result{}
		if err := json.Unmarshal(m.Result, result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return domain.ReconstructJob(
		m.ID, m.UserID, m.WorkflowID, m.Mode,
		textInputs, paramInputs, files,
		preparedWorkflow, domain.JobStatus(m.Status), result, m.ErrorMessage,
		m.CreatedAt,
	)
}

func jobExecutionToModel(exec domain.JobExecution) *models.JobExecutionModel {
	return &models.JobExecutionModel{
		ID:           exec.ID(),
		JobID:        exec.JobID(),
		NodeID:       exec.NodeID(),
		Status:       string(exec.Status()),
		PromptID:     exec.PromptID(),
		ErrorMessage: exec.ErrorMessage(),
		StartedAt:    exec.StartedAt(),
		FinishedAt:   exec.FinishedAt(),
		CreatedAt:    exec.CreatedAt(),
	}
}

func jobExecutionFromModel(m *models.JobExecutionModel) (domain.JobExecution, error) {
	return domain.ReconstructJobExecution(
		m.ID, m.JobID, m.NodeID,
		domain.ExecutionStatus(m.Status), m.PromptID, m.ErrorMessage,
		m.StartedAt, m.FinishedAt, m.CreatedAt,
	)
}

func workerNodeToModel(node domain.WorkerNode) *models.WorkerNodeModel {
	return &models.WorkerNodeModel{
		ID:       node.ID(),
		Name:     node.Name(),
		BaseURL:  node.BaseURL(),
		IsActive: node.IsActive(),
		MaxQueue: node.MaxQueue(),
		Priority: node.Priority(),
		LastSeen: node.LastSeen(),
	}
}

func workerNodeFromModel(m *models.WorkerNodeModel) (domain.WorkerNode, error) {
	return domain.ReconstructWorkerNode(m.ID, m.Name, m.BaseURL, m.IsActive, m.MaxQueue, m.Priority, m.LastSeen)
}

func workerNodesFromModels(rows []*models.WorkerNodeModel) ([]domain.WorkerNode, error) {
	out := make([]domain.WorkerNode, 0, len(rows))
	for _, m := range rows {
		n, err := workerNodeFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

var _ domain.Storage = (*BunStore)(nil)
