package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// JobModel is the row shape for one Job aggregate. Claimed is set by
// ClaimQueuedJobs and is never exposed through domain.Job itself — it is
// purely a dispatch bookkeeping bit so QUEUED rows aren't handed to two
// scheduler processes at once.
type JobModel struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID               uuid.UUID `bun:"id,pk,type:uuid"`
	UserID           string    `bun:"user_id,notnull"`
	WorkflowID       uuid.UUID `bun:"workflow_id,notnull,type:uuid"`
	Mode             string    `bun:"mode,notnull,default:''"`
	TextInputs       RawJSON   `bun:"text_inputs,type:jsonb,notnull,default:'{}'"`
	ParamInputs      RawJSON   `bun:"param_inputs,type:jsonb,notnull,default:'{}'"`
	Files            RawJSON   `bun:"files,type:jsonb,notnull,default:'{}'"`
	PreparedWorkflow RawJSON   `bun:"prepared_workflow,type:jsonb"`
	Status           string    `bun:"status,notnull"`
	Result           RawJSON   `bun:"result,type:jsonb"`
	ErrorMessage     string    `bun:"error_message,notnull,default:''"`
	Claimed          bool      `bun:"claimed,notnull,default:false"`
	CreatedAt        time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
