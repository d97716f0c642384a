package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/workforge/internal/domain"
	"github.com/smilemakc/workforge/internal/infrastructure/storage"
)

func statsServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// A successful /system_stats probe marks a previously unknown node alive.
func TestHealthLoop_RunOnce_MarksHealthyNodeAlive(t *testing.T) {
	srv := statsServer(t, http.StatusOK)
	store := storage.NewMemoryStore()
	ctx := context.Background()

	node, err := domain.NewWorkerNode("n1", srv.URL, 0, 0)
	require.NoError(t, err)
	require.NoError(t, store.SaveWorkerNode(ctx, node))

	loop := NewHealthLoop(store, time.Minute, time.Second, time.Minute, discardLogger())
	require.NoError(t, loop.RunOnce(ctx))

	reloaded, err := store.GetWorkerNode(ctx, node.ID())
	require.NoError(t, err)
	assert.True(t, reloaded.IsActive())
	require.NotNil(t, reloaded.LastSeen())
}

// A node that has never been seen and fails its first probe is marked
// dead immediately rather than given a grace period.
func TestHealthLoop_RunOnce_MarksNeverSeenNodeDeadOnFirstFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	node, err := domain.NewWorkerNode("n2", "http://127.0.0.1:1", 0, 0)
	require.NoError(t, err)
	require.NoError(t, store.SaveWorkerNode(ctx, node))

	loop := NewHealthLoop(store, time.Minute, time.Second, time.Minute, discardLogger())
	require.NoError(t, loop.RunOnce(ctx))

	reloaded, err := store.GetWorkerNode(ctx, node.ID())
	require.NoError(t, err)
	assert.False(t, reloaded.IsActive())
}

// A node that was seen recently and fails a probe stays active until
// DEAD_AFTER has elapsed since its last success.
func TestHealthLoop_RunOnce_GracePeriodBeforeMarkingDead(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	node, err := domain.NewWorkerNode("n3", "http://127.0.0.1:1", 0, 0)
	require.NoError(t, err)
	node.MarkAlive(time.Now())
	require.NoError(t, store.SaveWorkerNode(ctx, node))

	loop := NewHealthLoop(store, time.Minute, time.Second, time.Hour, discardLogger())
	require.NoError(t, loop.RunOnce(ctx))

	reloaded, err := store.GetWorkerNode(ctx, node.ID())
	require.NoError(t, err)
	assert.True(t, reloaded.IsActive(), "a node within its DEAD_AFTER grace window must stay active despite a failed probe")
}

// Once DEAD_AFTER has elapsed since the last successful probe, a failing
// node is marked dead.
func TestHealthLoop_RunOnce_MarksDeadAfterGraceExpires(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	node, err := domain.NewWorkerNode("n4", "http://127.0.0.1:1", 0, 0)
	require.NoError(t, err)
	node.MarkAlive(time.Now().Add(-2 * time.Hour))
	require.NoError(t, store.SaveWorkerNode(ctx, node))

	loop := NewHealthLoop(store, time.Minute, time.Second, time.Hour, discardLogger())
	require.NoError(t, loop.RunOnce(ctx))

	reloaded, err := store.GetWorkerNode(ctx, node.ID())
	require.NoError(t, err)
	assert.False(t, reloaded.IsActive())
}

// ProbeNode drives a single probe outside the ticker, for the admin
// manual-trigger endpoint.
func TestHealthLoop_ProbeNode_Manual(t *testing.T) {
	srv := statsServer(t, http.StatusOK)
	store := storage.NewMemoryStore()
	ctx := context.Background()

	node, err := domain.NewWorkerNode("n5", srv.URL, 0, 0)
	require.NoError(t, err)
	require.NoError(t, store.SaveWorkerNode(ctx, node))

	loop := NewHealthLoop(store, time.Minute, time.Second, time.Minute, discardLogger())
	loop.ProbeNode(ctx, node)

	reloaded, err := store.GetWorkerNode(ctx, node.ID())
	require.NoError(t, err)
	assert.True(t, reloaded.IsActive())
}
