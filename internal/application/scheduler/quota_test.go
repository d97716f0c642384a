package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/workforge/internal/domain"
	"github.com/smilemakc/workforge/internal/infrastructure/storage"
)

func newJob(t *testing.T, userID string) domain.Job {
	t.Helper()
	job, err := domain.NewJob(userID, uuid.New(), "default", nil, nil, nil)
	require.NoError(t, err)
	return job
}

// A submission that would exceed the user's concurrent-job limit is
// rejected and leaves no Job row behind.
func TestQuotaEnforcer_ConcurrentLimitRejectsWithoutPersisting(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveUserLimits(ctx, domain.UserLimits{UserID: "u1", MaxConcurrentJobs: 1, MaxJobsPerDay: 50}))

	q := NewQuotaEnforcer(store)
	first := newJob(t, "u1")
	require.NoError(t, q.Submit(ctx, first))

	second := newJob(t, "u1")
	err := q.Submit(ctx, second)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeQuotaExceeded))

	_, getErr := store.GetJob(ctx, second.ID())
	assert.Error(t, getErr, "a rejected submission must not create a Job row")

	_, getErr = store.GetJob(ctx, first.ID())
	assert.NoError(t, getErr, "the first, accepted submission must still be persisted")
}

func TestQuotaEnforcer_DailyLimitRejectsWithoutPersisting(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveUserLimits(ctx, domain.UserLimits{UserID: "u1", MaxConcurrentJobs: 50, MaxJobsPerDay: 1}))

	q := NewQuotaEnforcer(store)
	first := newJob(t, "u1")
	require.NoError(t, q.Submit(ctx, first))
	// Finish the first job so the concurrent count doesn't also trip;
	// only the daily count should be what rejects the second submission.
	require.NoError(t, first.Finish(domain.JobStatusDone, &domain.Result{}, ""))
	require.NoError(t, store.SaveJob(ctx, first))

	second := newJob(t, "u1")
	err := q.Submit(ctx, second)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeQuotaExceeded))

	_, getErr := store.GetJob(ctx, second.ID())
	assert.Error(t, getErr)
}

func TestQuotaEnforcer_DistinctUsersDoNotShareQuota(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveUserLimits(ctx, domain.UserLimits{UserID: "u1", MaxConcurrentJobs: 1, MaxJobsPerDay: 50}))
	require.NoError(t, store.SaveUserLimits(ctx, domain.UserLimits{UserID: "u2", MaxConcurrentJobs: 1, MaxJobsPerDay: 50}))

	q := NewQuotaEnforcer(store)
	require.NoError(t, q.Submit(ctx, newJob(t, "u1")))
	require.NoError(t, q.Submit(ctx, newJob(t, "u2")), "a different user's concurrent job must not count against u1's limit")
}

// Concurrent submissions for the same user are serialized through
// WithTx so exactly one of two simultaneous attempts against a
// MaxConcurrentJobs=1 quota succeeds.
func TestQuotaEnforcer_ConcurrentSubmitsSerialized(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveUserLimits(ctx, domain.UserLimits{UserID: "racer", MaxConcurrentJobs: 1, MaxJobsPerDay: 50}))

	q := NewQuotaEnforcer(store)
	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Submit(ctx, newJob(t, "racer"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "WithTx must serialize concurrent submissions so only one observes room under the quota")

	active, err := store.CountActiveJobsForUser(ctx, "racer")
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}
