package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkerNode is one entry in the fleet of graph-execution backends the
// scheduler dispatches to. is_active is owned exclusively by the health
// loop; no JobExecution may ever be created against an inactive node.
type WorkerNode interface {
	ID() uuid.UUID
	Name() string
	BaseURL() string
	IsActive() bool
	MaxQueue() int
	Priority() int
	LastSeen() *time.Time

	MarkAlive(at time.Time)
	MarkDead()
}

type workerNode struct {
	id       uuid.UUID
	name     string
	baseURL  string
	isActive bool
	maxQueue int
	priority int
	lastSeen *time.Time
}

// NewWorkerNode registers a new worker node. It starts inactive until the
// health loop observes a successful probe.
func NewWorkerNode(name, baseURL string, maxQueue, priority int) (WorkerNode, error) {
	if baseURL == "" {
		return nil, NewDomainError(ErrCodeValidationFailed, "worker node base_url must not be empty", nil)
	}
	return &workerNode{
		id:       uuid.New(),
		name:     name,
		baseURL:  baseURL,
		isActive: false,
		maxQueue: maxQueue,
		priority: priority,
	}, nil
}

// ReconstructWorkerNode rebuilds a WorkerNode from persisted fields.
func ReconstructWorkerNode(id uuid.UUID, name, baseURL string, isActive bool, maxQueue, priority int, lastSeen *time.Time) (WorkerNode, error) {
	return &workerNode{
		id:       id,
		name:     name,
		baseURL:  baseURL,
		isActive: isActive,
		maxQueue: maxQueue,
		priority: priority,
		lastSeen: lastSeen,
	}, nil
}

func (n *workerNode) ID() uuid.UUID        { return n.id }
func (n *workerNode) Name() string         { return n.name }
func (n *workerNode) BaseURL() string      { return n.baseURL }
func (n *workerNode) IsActive() bool       { return n.isActive }
func (n *workerNode) MaxQueue() int        { return n.maxQueue }
func (n *workerNode) Priority() int        { return n.priority }
func (n *workerNode) LastSeen() *time.Time { return n.lastSeen }

// MarkAlive records a successful health probe. Only the health loop calls
// this.
func (n *workerNode) MarkAlive(at time.Time) {
	n.lastSeen = &at
	n.isActive = true
}

// MarkDead flips is_active off after the health loop observes the node has
// exceeded DEAD_AFTER since its last successful probe. last_seen is left
// untouched so the health loop can still report how long it's been down.
func (n *workerNode) MarkDead() {
	n.isActive = false
}
