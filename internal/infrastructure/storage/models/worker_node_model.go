package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WorkerNodeModel is the row shape for one fleet member. IsActive is owned
// exclusively by the health loop.
type WorkerNodeModel struct {
	bun.BaseModel `bun:"table:worker_nodes,alias:wn"`

	ID       uuid.UUID  `bun:"id,pk,type:uuid"`
	Name     string     `bun:"name,notnull,default:''"`
	BaseURL  string     `bun:"base_url,notnull,unique"`
	IsActive bool       `bun:"is_active,notnull,default:false"`
	MaxQueue int        `bun:"max_queue,notnull,default:1"`
	Priority int        `bun:"priority,notnull,default:0"`
	LastSeen *time.Time `bun:"last_seen"`
}
