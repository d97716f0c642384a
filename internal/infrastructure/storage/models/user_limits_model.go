package models

import "github.com/uptrace/bun"

// UserLimitsModel is the row shape for one user's quota override. It has
// no identity column of its own beyond the user it belongs to.
type UserLimitsModel struct {
	bun.BaseModel `bun:"table:user_limits,alias:ul"`

	UserID            string `bun:"user_id,pk"`
	MaxConcurrentJobs int    `bun:"max_concurrent_jobs,notnull"`
	MaxJobsPerDay     int    `bun:"max_jobs_per_day,notnull"`
}
