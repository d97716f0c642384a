package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// JobExecutionModel is the row shape for one dispatch attempt of a Job.
type JobExecutionModel struct {
	bun.BaseModel `bun:"table:job_executions,alias:je"`

	ID           uuid.UUID  `bun:"id,pk,type:uuid"`
	JobID        uuid.UUID  `bun:"job_id,notnull,type:uuid"`
	NodeID       uuid.UUID  `bun:"node_id,notnull,type:uuid"`
	Status       string     `bun:"status,notnull"`
	PromptID     string     `bun:"prompt_id,notnull,default:''"`
	ErrorMessage string     `bun:"error_message,notnull,default:''"`
	StartedAt    time.Time  `bun:"started_at,notnull"`
	FinishedAt   *time.Time `bun:"finished_at"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}
