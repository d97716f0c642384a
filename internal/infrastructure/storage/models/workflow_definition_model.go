package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WorkflowDefinitionModel is the row shape for a published workflow: its
// authoring graph and declarative input/output Spec, both stored as jsonb
// since their wire encodings are owned by the domain package.
type WorkflowDefinitionModel struct {
	bun.BaseModel `bun:"table:workflow_definitions,alias:wd"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	Slug      string    `bun:"slug,notnull,unique"`
	Name      string    `bun:"name,notnull"`
	Category  string    `bun:"category,notnull,default:''"`
	Version   string    `bun:"version,notnull,default:''"`
	IsActive  bool      `bun:"is_active,notnull,default:true"`
	UIGraph   RawJSON   `bun:"ui_graph,type:jsonb,notnull"`
	Spec      RawJSON   `bun:"spec,type:jsonb,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}
