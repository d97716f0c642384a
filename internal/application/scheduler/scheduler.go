package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/smilemakc/workforge/internal/application/compiler"
	"github.com/smilemakc/workforge/internal/domain"
	"github.com/smilemakc/workforge/internal/infrastructure/workerclient"
)

// Scheduler is the node fleet scheduler: a single-writer cooperative
// loop that, once per tick, claims QUEUED jobs, selects a healthy
// least-loaded node for each, dispatches them, and polls RUNNING executions
// for terminal outcomes. dispatchPhase and pollPhase are the loop's two
// halves, independently callable against a fake worker HTTP server and an
// in-memory domain.Storage; the workerclient.Client for each node is built
// from that node's base URL.
type Scheduler struct {
	storage       domain.Storage
	catalog       *workerclient.SchemaCatalog
	tracker       *workerclient.Tracker
	rules         *compiler.RuleEvaluator
	fileStore     compiler.FileStore
	dispatchBatch int
	pollBatch     int
	logger        *slog.Logger
}

// New constructs a Scheduler. fileStore backs the input-staging re-upload
// step at dispatch time; it may be nil for deployments whose Specs
// declare no image/mask inputs.
func New(storage domain.Storage, catalog *workerclient.SchemaCatalog, tracker *workerclient.Tracker, fileStore compiler.FileStore, dispatchBatch, pollBatch int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		storage:       storage,
		catalog:       catalog,
		tracker:       tracker,
		rules:         compiler.NewRuleEvaluator(),
		fileStore:     fileStore,
		dispatchBatch: dispatchBatch,
		pollBatch:     pollBatch,
		logger:        logger,
	}
}

// Run blocks, ticking once per interval until ctx is canceled. Callers run
// it in its own goroutine; the interval is config.SchedulerTick (~1s).
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass followed by one poll pass. Both phases log
// and continue rather than abort the tick on a per-job/per-execution
// failure, so one bad row never starves the rest of the batch.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.dispatchPhase(ctx); err != nil {
		s.logger.Error("dispatch phase failed", "error", err)
	}
	if err := s.pollPhase(ctx); err != nil {
		s.logger.Error("poll phase failed", "error", err)
	}
}

// dispatchPhase claims jobs one at a time,
// immediately preceded by a node-selection check, rather than claiming a
// full batch up front: domain.Storage.ClaimQueuedJobs has no matching
// "unclaim," so a job must never be claimed unless a qualifying node is
// already known to exist for it. Each claimed job's dispatch reduces that
// node's apparent capacity for the next iteration via a fresh
// CountActiveExecutionsForNode read.
func (s *Scheduler) dispatchPhase(ctx context.Context) error {
	for i := 0; i < s.dispatchBatch; i++ {
		nodes, err := s.storage.ListActiveWorkerNodes(ctx)
		if err != nil {
			return err
		}

		node, err := s.selectNode(ctx, nodes)
		if err != nil {
			return err
		}
		if node == nil {
			// No active, non-full node qualifies. Skip dispatch
			// for the remainder of this tick.
			return nil
		}

		jobs, err := s.storage.ClaimQueuedJobs(ctx, 1)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		s.dispatchOne(ctx, jobs[0], node)
	}
	return nil
}

// selectNode ranks active nodes by (active_execution_count ASC, last_seen
// DESC), tie-broken by priority DESC then id ASC, and returns the winner.
// Nodes at or above their max_queue are excluded ("full"); a max_queue of 0
// means uncapped. Returns (nil, nil) if no node qualifies.
func (s *Scheduler) selectNode(ctx context.Context, nodes []domain.WorkerNode) (domain.WorkerNode, error) {
	type candidate struct {
		node   domain.WorkerNode
		active int
	}

	candidates := make([]candidate, 0, len(nodes))
	for _, n := range nodes {
		count, err := s.storage.CountActiveExecutionsForNode(ctx, n.ID())
		if err != nil {
			return nil, err
		}
		if n.MaxQueue() > 0 && count >= n.MaxQueue() {
			continue
		}
		candidates = append(candidates, candidate{node: n, active: count})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.active != b.active {
			return a.active < b.active
		}

		aSeen, bSeen := a.node.LastSeen(), b.node.LastSeen()
		switch {
		case aSeen == nil && bSeen == nil:
			// fall through to priority/id tie-break
		case aSeen == nil:
			return false
		case bSeen == nil:
			return true
		case !aSeen.Equal(*bSeen):
			return aSeen.After(*bSeen)
		}

		if a.node.Priority() != b.node.Priority() {
			return a.node.Priority() > b.node.Priority()
		}
		return a.node.ID().String() < b.node.ID().String()
	})

	return candidates[0].node, nil
}

// dispatchOne handles a single claimed job: create the
// RUNNING execution, mark the job RUNNING, recompile-validate through the
// sanitizer, stage input files against the chosen node, and submit. Once
// the RUNNING execution and job are persisted, a failure to load the
// workflow, sanitize, stage or submit finalizes both as ERROR. A failure
// to create or persist the execution or job records is only logged, and
// the dispatch is abandoned without finalizing either.
func (s *Scheduler) dispatchOne(ctx context.Context, job domain.Job, node domain.WorkerNode) {
	exec, err := domain.NewJobExecution(job.ID(), node.ID())
	if err != nil {
		s.logger.Error("failed to create job execution", "job_id", job.ID(), "error", err)
		return
	}
	if err := job.MarkRunning(); err != nil {
		s.logger.Error("failed to mark job running", "job_id", job.ID(), "error", err)
		return
	}
	if err := s.storage.SaveJobExecution(ctx, exec); err != nil {
		s.logger.Error("failed to persist job execution", "job_id", job.ID(), "error", err)
		return
	}
	if err := s.storage.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to persist running job", "job_id", job.ID(), "error", err)
		return
	}

	wf, err := s.storage.GetWorkflowDefinition(ctx, job.WorkflowID())
	if err != nil {
		s.finalizeExecutionError(ctx, exec, job, fmt.Sprintf("loading workflow definition: %v", err))
		return
	}

	graph := clonePromptGraph(job.PreparedWorkflow())
	client := workerclient.New(node.ID().String(), node.BaseURL())

	// Revalidate with catalog-aware coercion when the
	// chosen node's catalog is reachable. SchemaCatalog.Get serves a stale
	// entry alongside a transient error; a nil catalog means Sanitize runs
	// the catalog-free fallback path.
	cat, err := s.catalog.Get(ctx, node.ID().String(), node.BaseURL())
	if err != nil {
		s.logger.Debug("dispatching without a fresh schema catalog", "node_id", node.ID(), "error", err)
	}
	if err := compiler.Sanitize(graph, s.rules, cat); err != nil {
		s.finalizeExecutionError(ctx, exec, job, fmt.Sprintf("sanitizing prepared workflow: %v", err))
		return
	}

	fileBindings := resolveFileBindings(wf.Spec(), job.Files())
	refs, err := compiler.StageFiles(ctx, client, node.ID().String(), job.Files(), s.fileStore)
	if err != nil {
		s.finalizeExecutionError(ctx, exec, job, fmt.Sprintf("staging input files: %v", err))
		return
	}
	compiler.PatchFileBindings(graph, fileBindings, refs)

	promptID, err := client.Submit(ctx, graphToPayload(graph), extraPNGInfoValue(graph))
	if err != nil {
		s.finalizeExecutionError(ctx, exec, job, fmt.Sprintf("submitting prompt: %v", err))
		return
	}

	exec.SetPromptID(promptID)
	if err := s.storage.SaveJobExecution(ctx, exec); err != nil {
		s.logger.Error("failed to persist dispatched execution", "job_id", job.ID(), "error", err)
		return
	}
	s.tracker.Begin(promptID, node.ID().String())
}

// finalizeExecutionError finishes exec and job as ERROR with msg: the Job
// inherits the error message of its latest terminal execution.
func (s *Scheduler) finalizeExecutionError(ctx context.Context, exec domain.JobExecution, job domain.Job, msg string) {
	if err := exec.Finish(domain.ExecutionStatusError, msg); err != nil {
		s.logger.Error("failed to finish execution as error", "execution_id", exec.ID(), "error", err)
	}
	if err := s.storage.SaveJobExecution(ctx, exec); err != nil {
		s.logger.Error("failed to persist errored execution", "execution_id", exec.ID(), "error", err)
	}
	if err := job.Finish(domain.JobStatusError, nil, msg); err != nil {
		s.logger.Error("failed to finish job as error", "job_id", job.ID(), "error", err)
	}
	if err := s.storage.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to persist errored job", "job_id", job.ID(), "error", err)
	}
}

// pollPhase polls up to pollBatch RUNNING executions with a dispatched
// prompt_id for terminal state.
func (s *Scheduler) pollPhase(ctx context.Context) error {
	execs, err := s.storage.ListRunningJobExecutions(ctx, s.pollBatch)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		s.pollOne(ctx, exec)
	}
	return nil
}

func (s *Scheduler) pollOne(ctx context.Context, exec domain.JobExecution) {
	job, err := s.storage.GetJob(ctx, exec.JobID())
	if err != nil {
		s.logger.Error("failed to load job for poll", "execution_id", exec.ID(), "error", err)
		return
	}
	node, err := s.storage.GetWorkerNode(ctx, exec.NodeID())
	if err != nil {
		s.logger.Error("failed to load node for poll", "execution_id", exec.ID(), "error", err)
		return
	}

	client := workerclient.New(node.ID().String(), node.BaseURL())
	raw, err := client.History(ctx, exec.PromptID())
	if err != nil {
		s.finalizeExecutionError(ctx, exec, job, err.Error())
		s.tracker.Forget(exec.PromptID())
		return
	}
	if raw == nil {
		return // not yet terminal
	}

	result := compiler.Normalize(raw)
	if err := exec.Finish(domain.ExecutionStatusDone, ""); err != nil {
		s.logger.Error("failed to finish execution as done", "execution_id", exec.ID(), "error", err)
	}
	if err := s.storage.SaveJobExecution(ctx, exec); err != nil {
		s.logger.Error("failed to persist done execution", "execution_id", exec.ID(), "error", err)
	}
	if err := job.Finish(domain.JobStatusDone, &result, ""); err != nil {
		s.logger.Error("failed to finish job as done", "job_id", job.ID(), "error", err)
	}
	if err := s.storage.SaveJob(ctx, job); err != nil {
		s.logger.Error("failed to persist done job", "job_id", job.ID(), "error", err)
	}
	s.tracker.Forget(exec.PromptID())
}

// clonePromptGraph deep-copies graph's nodes and their LinkRef-valued
// inputs so a dispatch's sanitizer/staging mutation never touches the
// Job's own PreparedWorkflow snapshot.
func clonePromptGraph(graph *domain.PromptGraph) *domain.PromptGraph {
	out := domain.NewPromptGraph()
	if graph == nil {
		return out
	}
	for id, n := range graph.Nodes {
		inputs := make(map[string]any, len(n.Inputs))
		for field, v := range n.Inputs {
			if ref, ok := v.(*domain.LinkRef); ok {
				inputs[field] = &domain.LinkRef{SrcID: ref.SrcID, SrcSlot: ref.SrcSlot}
				continue
			}
			inputs[field] = v
		}
		out.Nodes[id] = domain.PromptNode{ClassType: n.ClassType, Inputs: inputs}
	}
	out.ExtraPNGInfo = graph.ExtraPNGInfo
	return out
}

// graphToPayload lowers a PromptGraph into the node_id -> {class_type,
// inputs} wire shape the worker consumes, rewriting each *domain.LinkRef into the
// [src_id, src_slot] tuple the worker expects.
func graphToPayload(graph *domain.PromptGraph) map[string]any {
	out := make(map[string]any, len(graph.Nodes))
	for id, n := range graph.Nodes {
		inputs := make(map[string]any, len(n.Inputs))
		for field, v := range n.Inputs {
			if ref, ok := v.(*domain.LinkRef); ok {
				inputs[field] = []any{ref.SrcID, ref.SrcSlot}
				continue
			}
			inputs[field] = v
		}
		out[id] = map[string]any{"class_type": n.ClassType, "inputs": inputs}
	}
	return out
}

// extraPNGInfoValue unwraps the compiler's {"extra_pnginfo": raw} carrier
// back to the raw value Client.Submit expects to assign directly onto the
// request payload's "extra_pnginfo" key. A one-element list is folded down
// to its single object; any other non-object shape yields nil.
func extraPNGInfoValue(graph *domain.PromptGraph) map[string]any {
	if graph.ExtraPNGInfo == nil {
		return nil
	}
	switch v := graph.ExtraPNGInfo["extra_pnginfo"].(type) {
	case map[string]any:
		return v
	case []any:
		if len(v) == 1 {
			if m, ok := v[0].(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

// resolveFileBindings recovers, from the workflow's Spec rather than by
// recompiling, which (node_id, field) each of job's staged file keys
// targets. A mask merged into its image's alpha channel at compile time
// leaves only the image key in Files, so the dropped mask
// key is naturally absent here too.
func resolveFileBindings(spec domain.Spec, files map[string]string) map[string]domain.Binding {
	out := make(map[string]domain.Binding, len(files))
	for _, img := range spec.Inputs.Images {
		if _, ok := files[img.Key]; ok {
			out[img.Key] = img.Binding
		}
	}
	if spec.Inputs.Mask != nil {
		if _, ok := files[spec.Inputs.Mask.Key]; ok {
			out[spec.Inputs.Mask.Key] = spec.Inputs.Mask.Binding
		}
	}
	return out
}
