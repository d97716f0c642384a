// Command server boots the control plane: loads config, opens the
// Postgres-backed store, wires the compiler/scheduler/health-loop
// collaborators, starts the background loops, and serves the REST
// surface until an interrupt signal requests a graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/smilemakc/workforge/internal/application/compiler"
	"github.com/smilemakc/workforge/internal/application/scheduler"
	"github.com/smilemakc/workforge/internal/domain"
	"github.com/smilemakc/workforge/internal/infrastructure/api/rest"
	"github.com/smilemakc/workforge/internal/infrastructure/config"
	"github.com/smilemakc/workforge/internal/infrastructure/filestore"
	"github.com/smilemakc/workforge/internal/infrastructure/logger"
	"github.com/smilemakc/workforge/internal/infrastructure/storage"
	"github.com/smilemakc/workforge/internal/infrastructure/workerclient"
)

func main() {
	var port = flag.String("port", "", "server port (overrides config)")
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}

	log := logger.Setup(cfg.LogLevel)
	log.Info("starting workforge control plane",
		"port", cfg.Port,
		"scheduler_tick", cfg.SchedulerTick,
		"healthcheck_interval", cfg.HealthcheckInterval,
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DatabaseDSN)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	store := storage.NewBunStore(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.InitSchema(ctx); err != nil {
		log.Error("failed to initialize database schema", "error", err)
		os.Exit(1)
	}
	log.Info("database schema initialized")

	files, err := filestore.NewLocalStore(cfg.StorageRoot)
	if err != nil {
		log.Error("failed to initialize local file store", "error", err)
		os.Exit(1)
	}

	comp := compiler.NewCompiler(files)
	catalog := workerclient.NewSchemaCatalog()
	tracker := workerclient.NewTracker()
	quota := scheduler.NewQuotaEnforcer(store)
	health := scheduler.NewHealthLoop(store, cfg.HealthcheckInterval, cfg.HealthcheckTimeout, cfg.DeadAfter, log)
	sched := scheduler.New(store, catalog, tracker, files, cfg.DispatchBatch, cfg.PollBatch, log)

	go health.Run(ctx)
	go sched.Run(ctx, cfg.SchedulerTick)
	go runProgressWatchers(ctx, store, tracker, log)

	handlers := rest.NewHandlers(store, comp, files, quota, tracker, health, log)
	srv := rest.NewServer(rest.Config{
		Addr:            ":" + cfg.Port,
		JWTSecret:       cfg.JWTSecret,
		RateLimit:       100,
		RateLimitWindow: time.Minute,
	}, handlers, log)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("server exited gracefully")
}

// runProgressWatchers keeps one workerclient.Tracker.Watch goroutine alive
// per currently-active worker node, redialing with a fixed backoff on
// disconnect and picking up newly-activated nodes on each sweep. It is the
// process that turns the per-node progress stream into an
// always-on supervisor rather than a connection made once at startup.
func runProgressWatchers(ctx context.Context, store domain.Storage, tracker *workerclient.Tracker, log *slog.Logger) {
	const sweepInterval = 15 * time.Second
	const redialBackoff = 3 * time.Second

	watching := make(map[string]bool)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		nodes, err := store.ListActiveWorkerNodes(ctx)
		if err != nil {
			log.Error("progress watcher sweep failed to list active nodes", "error", err)
		}
		for _, node := range nodes {
			id := node.ID().String()
			if watching[id] {
				continue
			}
			watching[id] = true
			go watchNodeForever(ctx, tracker, id, node.BaseURL(), redialBackoff, log)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func watchNodeForever(ctx context.Context, tracker *workerclient.Tracker, nodeID, baseURL string, backoff time.Duration, log *slog.Logger) {
	wsURL := toWebSocketURL(baseURL)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := tracker.Watch(ctx, nodeID, wsURL); err != nil && ctx.Err() == nil {
			log.Debug("progress socket disconnected, will redial", "node_id", nodeID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// toWebSocketURL rewrites an http(s):// base_url to its ws(s):// equivalent
// for the worker's /ws progress endpoint.
func toWebSocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
