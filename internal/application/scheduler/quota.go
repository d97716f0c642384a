package scheduler

import (
	"context"
	"time"

	"github.com/smilemakc/workforge/internal/domain"
)

// QuotaEnforcer gates Job submission on a
// user's concurrent and daily limits, checking both counts in the same
// transaction that persists the new Job so a second racing submission can
// never observe a stale snapshot.
type QuotaEnforcer struct {
	storage domain.Storage
}

// NewQuotaEnforcer constructs a QuotaEnforcer.
func NewQuotaEnforcer(storage domain.Storage) *QuotaEnforcer {
	return &QuotaEnforcer{storage: storage}
}

// Submit checks job's submitter against their UserLimits and, if both the
// concurrent and daily counts are within bounds, persists job. Both checks
// and the save happen inside one Storage.WithTx call; on a quota
// violation the transaction is rolled back (via a returned error) and no
// Job row is created.
func (q *QuotaEnforcer) Submit(ctx context.Context, job domain.Job) error {
	return q.storage.WithTx(ctx, func(ctx context.Context, tx domain.Storage) error {
		limits, err := tx.GetUserLimits(ctx, job.UserID())
		if err != nil {
			return err
		}

		active, err := tx.CountActiveJobsForUser(ctx, job.UserID())
		if err != nil {
			return err
		}
		if active >= limits.MaxConcurrentJobs {
			return domain.NewDomainError(domain.ErrCodeQuotaExceeded,
				"user has reached the maximum number of concurrent jobs", nil)
		}

		since := time.Now().Add(-24 * time.Hour)
		daily, err := tx.CountJobsCreatedSince(ctx, job.UserID(), since)
		if err != nil {
			return err
		}
		if daily >= limits.MaxJobsPerDay {
			return domain.NewDomainError(domain.ErrCodeQuotaExceeded,
				"user has reached the maximum number of jobs per day", nil)
		}

		return tx.SaveJob(ctx, job)
	})
}
