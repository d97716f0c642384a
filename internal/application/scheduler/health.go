// Package scheduler implements the node fleet scheduler, the health
// loop, and the quota enforcer: the three components that
// turn a QUEUED Job into a dispatched, polled, finalized outcome against a
// fleet of worker nodes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smilemakc/workforge/internal/domain"
	"github.com/smilemakc/workforge/internal/infrastructure/workerclient"
)

// HealthLoop periodically probes every known
// WorkerNode's /system_stats endpoint and keeps is_active/last_seen current.
// Probes for distinct nodes run concurrently, matching the scheduling
// model's rule that worker-facing calls are the only operations allowed to
// suspend off the tick itself.
type HealthLoop struct {
	storage   domain.Storage
	interval  time.Duration
	timeout   time.Duration
	deadAfter time.Duration
	logger    *slog.Logger
}

// NewHealthLoop constructs a HealthLoop. interval/timeout/deadAfter
// correspond to config.HEALTHCHECK_INTERVAL/HEALTHCHECK_TIMEOUT/DEAD_AFTER.
func NewHealthLoop(storage domain.Storage, interval, timeout, deadAfter time.Duration, logger *slog.Logger) *HealthLoop {
	return &HealthLoop{
		storage:   storage,
		interval:  interval,
		timeout:   timeout,
		deadAfter: deadAfter,
		logger:    logger,
	}
}

// Run blocks, probing every known node once per interval until ctx is
// canceled. Callers run it in its own goroutine.
func (h *HealthLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.RunOnce(ctx); err != nil {
				h.logger.Error("health loop pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single probing pass over every known node. It is
// exported so the admin manual-trigger endpoint can invoke it directly,
// outside the ticker.
func (h *HealthLoop) RunOnce(ctx context.Context) error {
	nodes, err := h.storage.ListWorkerNodes(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node domain.WorkerNode) {
			defer wg.Done()
			h.probe(ctx, node)
		}(node)
	}
	wg.Wait()
	return nil
}

// ProbeNode probes a single given node, for the admin
// POST /api/v1/admin/nodes/{id}/healthcheck endpoint.
func (h *HealthLoop) ProbeNode(ctx context.Context, node domain.WorkerNode) {
	h.probe(ctx, node)
}

func (h *HealthLoop) probe(ctx context.Context, node domain.WorkerNode) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	client := workerclient.New(node.ID().String(), node.BaseURL())
	err := client.SystemStats(probeCtx)

	now := time.Now()
	if err == nil {
		node.MarkAlive(now)
		if saveErr := h.storage.SaveWorkerNode(ctx, node); saveErr != nil {
			h.logger.Error("failed to persist healthy node", "node_id", node.ID(), "error", saveErr)
		}
		return
	}

	h.logger.Debug("node health probe failed", "node_id", node.ID(), "base_url", node.BaseURL(), "error", err)

	lastSeen := node.LastSeen()
	if lastSeen == nil || now.Sub(*lastSeen) > h.deadAfter {
		node.MarkDead()
		if saveErr := h.storage.SaveWorkerNode(ctx, node); saveErr != nil {
			h.logger.Error("failed to persist dead node", "node_id", node.ID(), "error", saveErr)
		}
	}
}
