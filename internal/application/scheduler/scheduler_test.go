package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"
	"github.com/smilemakc/workforge/internal/domain"
	"github.com/smilemakc/workforge/internal/infrastructure/storage"
	"github.com/smilemakc/workforge/internal/infrastructure/workerclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorker is a minimal httptest-backed stand-in for a graph-execution
// worker node: it accepts a submitted prompt and immediately reports it
// complete with one output image on the next history poll.
func fakeWorker(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": "P1"})
	})
	mux.HandleFunc("/history/P1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"P1": map[string]any{
				"status": map[string]any{"status_str": "success", "completed": true},
				"outputs": map[string]any{
					"9": map[string]any{"images": []any{
						map[string]any{"filename": "out.png", "subfolder": "", "type": "output"},
					}},
				},
			},
		})
	})
	return httptest.NewServer(mux)
}

func newTestScheduler(t *testing.T, store domain.Storage) *Scheduler {
	t.Helper()
	return New(store, workerclient.NewSchemaCatalog(), workerclient.NewTracker(), nil, 5, 10, discardLogger())
}

func activeNode(t *testing.T, store domain.Storage, baseURL string, maxQueue, priority int) domain.WorkerNode {
	t.Helper()
	node, err := domain.NewWorkerNode("fake", baseURL, maxQueue, priority)
	require.NoError(t, err)
	node.MarkAlive(time.Now())
	require.NoError(t, store.SaveWorkerNode(context.Background(), node))
	return node
}

func simpleWorkflow(t *testing.T) domain.WorkflowDefinition {
	t.Helper()
	uiGraph := domain.UIGraph{
		Nodes: []domain.UINode{
			{ID: "9", ClassType: "SaveImage", FieldInputs: map[string]any{"images": []any{"6", 0}}},
		},
	}
	spec := domain.Spec{Modes: []domain.Mode{{ID: "default", Label: "Default"}}}
	wf, err := domain.NewWorkflowDefinition("simple", "Simple", "image", "1.0", uiGraph, spec)
	require.NoError(t, err)
	return wf
}

func queuedJob(t *testing.T, wf domain.WorkflowDefinition) domain.Job {
	t.Helper()
	job, err := domain.NewJob("user-1", wf.ID(), "default", nil, nil, nil)
	require.NoError(t, err)
	graph := domain.NewPromptGraph()
	graph.Nodes["9"] = domain.PromptNode{ClassType: "SaveImage", Inputs: map[string]any{"images": []any{"6", 0}}}
	require.NoError(t, job.SetPreparedWorkflow(graph))
	return job
}

// A QUEUED job against one healthy node is dispatched,
// submitted, and on the next poll tick finalized DONE with a normalized
// result.
func TestScheduler_DispatchAndPoll(t *testing.T) {
	srv := fakeWorker(t)
	defer srv.Close()

	store := storage.NewMemoryStore()
	ctx := context.Background()

	wf := simpleWorkflow(t)
	require.NoError(t, store.SaveWorkflowDefinition(ctx, wf))
	node := activeNode(t, store, srv.URL, 0, 0)
	job := queuedJob(t, wf)
	require.NoError(t, store.SaveJob(ctx, job))

	sched := newTestScheduler(t, store)
	sched.dispatchPhase(ctx)

	reloaded, err := store.GetJob(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, reloaded.Status())

	execs, err := store.ListRunningJobExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "P1", execs[0].PromptID())
	assert.Equal(t, node.ID(), execs[0].NodeID())

	sched.pollPhase(ctx)

	final, err := store.GetJob(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, final.Status())
	require.NotNil(t, final.Result())
	require.Len(t, final.Result().Images, 1)
	assert.Equal(t, "out.png", final.Result().Images[0].Filename)
}

// No JobExecution is ever created against an inactive node.
func TestScheduler_SkipsInactiveNodes(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	node, err := domain.NewWorkerNode("dead", "http://127.0.0.1:1", 0, 0)
	require.NoError(t, err)
	require.NoError(t, store.SaveWorkerNode(ctx, node)) // never MarkAlive: stays inactive

	wf := simpleWorkflow(t)
	require.NoError(t, store.SaveWorkflowDefinition(ctx, wf))
	job := queuedJob(t, wf)
	require.NoError(t, store.SaveJob(ctx, job))

	sched := newTestScheduler(t, store)
	sched.dispatchPhase(ctx)

	reloaded, err := store.GetJob(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, reloaded.Status(), "a job must not dispatch when no active node qualifies")

	execs, err := store.ListRunningJobExecutions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

// Node selection: fewer active executions wins; a node at max_queue
// is excluded entirely.
func TestScheduler_SelectNode_PrefersLeastLoaded(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	busy, err := domain.NewWorkerNode("busy", "http://busy", 0, 0)
	require.NoError(t, err)
	busy.MarkAlive(time.Now())
	require.NoError(t, store.SaveWorkerNode(ctx, busy))

	idle, err := domain.NewWorkerNode("idle", "http://idle", 0, 0)
	require.NoError(t, err)
	idle.MarkAlive(time.Now())
	require.NoError(t, store.SaveWorkerNode(ctx, idle))

	// Give busy one active execution so idle should win.
	exec, err := domain.NewJobExecution(uuid.New(), busy.ID())
	require.NoError(t, err)
	require.NoError(t, store.SaveJobExecution(ctx, exec))

	sched := newTestScheduler(t, store)
	nodes, err := store.ListActiveWorkerNodes(ctx)
	require.NoError(t, err)
	selected, err := sched.selectNode(ctx, nodes)
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, idle.ID(), selected.ID())
}

func TestScheduler_SelectNode_ExcludesFullNode(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	full, err := domain.NewWorkerNode("full", "http://full", 1, 0)
	require.NoError(t, err)
	full.MarkAlive(time.Now())
	require.NoError(t, store.SaveWorkerNode(ctx, full))

	exec, err := domain.NewJobExecution(uuid.New(), full.ID())
	require.NoError(t, err)
	require.NoError(t, store.SaveJobExecution(ctx, exec))

	sched := newTestScheduler(t, store)
	nodes, err := store.ListActiveWorkerNodes(ctx)
	require.NoError(t, err)
	selected, err := sched.selectNode(ctx, nodes)
	require.NoError(t, err)
	assert.Nil(t, selected, "a node at its max_queue must be excluded from selection")
}

// Dispatch submit failure finalizes both execution and job as ERROR.
func TestScheduler_DispatchFailure_FinalizesJobAsError(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	wf := simpleWorkflow(t)
	require.NoError(t, store.SaveWorkflowDefinition(ctx, wf))
	// Point the node at a URL nothing is listening on.
	activeNode(t, store, "http://127.0.0.1:1", 0, 0)
	job := queuedJob(t, wf)
	require.NoError(t, store.SaveJob(ctx, job))

	sched := newTestScheduler(t, store)
	sched.dispatchPhase(ctx)

	final, err := store.GetJob(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, final.Status())
	assert.NotEmpty(t, final.ErrorMessage())
}
