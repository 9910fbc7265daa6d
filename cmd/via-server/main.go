// Command via-server runs the Vector Incident Atlas daemon: streaming
// ingest into the Tier-1 rhythm monitor, periodic anomaly analysis with
// promotion into the Tier-2 forensic store, federated queries and the
// operator control loop.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 vector backend
// unreachable at startup, 3 unrecoverable internal error.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vectoratlas/via/internal/api"
	"github.com/vectoratlas/via/internal/breaker"
	"github.com/vectoratlas/via/internal/config"
	"github.com/vectoratlas/via/internal/control"
	"github.com/vectoratlas/via/internal/embedder"
	"github.com/vectoratlas/via/internal/federate"
	"github.com/vectoratlas/via/internal/ingest"
	"github.com/vectoratlas/via/internal/metrics"
	"github.com/vectoratlas/via/internal/promote"
	"github.com/vectoratlas/via/internal/regression"
	"github.com/vectoratlas/via/internal/rhythm"
	"github.com/vectoratlas/via/internal/schema"
	"github.com/vectoratlas/via/internal/tier1"
	"github.com/vectoratlas/via/internal/tier2"
	"github.com/vectoratlas/via/internal/vectorstore"
)

const (
	exitOK            = 0
	exitConfig        = 1
	exitBackend       = 2
	exitUnrecoverable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	log := slog.With("component", "main")

	cfg, err := config.Load()
	if err != nil {
		log.Error("configuration invalid", "error", err)
		return exitConfig
	}

	backend, code := openBackend(cfg, log)
	if code != exitOK {
		return code
	}

	controls, err := control.Open(cfg.ControlStorePath)
	if err != nil {
		log.Error("control store unavailable", "path", cfg.ControlStorePath, "error", err)
		return exitConfig
	}
	defer controls.Close()

	schemas, err := schema.NewRegistry(controls.DB())
	if err != nil {
		log.Error("schema registry migration failed", "error", err)
		return exitUnrecoverable
	}

	recorder, err := regression.NewRecorder(cfg.RegressionLogPath)
	if err != nil {
		log.Error("regression log unavailable", "path", cfg.RegressionLogPath, "error", err)
		return exitConfig
	}

	monitor := tier1.NewMonitor(backend, controls, tier1.Options{
		Window:    cfg.T1Window,
		Grace:     cfg.T1Grace,
		MaxPoints: cfg.T1MaxPoints,
		Threshold: cfg.AnomalyThreshold,
		Alpha:     cfg.AnomalyAlpha,
	})
	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = monitor.Setup(startupCtx)
	cancel()
	if err != nil {
		log.Error("tier1 collection setup failed", "error", err)
		return exitBackend
	}

	store := tier2.NewStore(backend, cfg.T2RetentionDays)
	emb := embedder.New(cfg.EmbedderBackend, 64)
	sparse := rhythm.NewSparseEncoder()
	pipeline := promote.NewPipeline(store, emb, sparse, controls)
	querier := federate.NewQuerier(backend, store, cfg.QueryTimeout)

	coordinator := ingest.NewCoordinator(monitor, ingest.Options{
		DedupCapacity: cfg.DedupCapacity,
		MaxInFlight:   maxInFlight(),
		Redis:         openRedis(cfg, log),
		DedupTTL:      cfg.T1Window + cfg.T1Grace,
	})

	m := metrics.New()
	server := api.NewServer(cfg, coordinator, monitor, pipeline, querier,
		controls, recorder, schemas, store, m)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper(rootCtx, monitor, store, log)
	go analysisLoop(rootCtx, server, cfg, log)
	go sparseRefreshLoop(rootCtx, pipeline)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("via-server listening", "addr", cfg.ListenAddr)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
			return exitUnrecoverable
		}
		return exitOK
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return exitOK
		}
		log.Error("http server failed", "error", err)
		return exitUnrecoverable
	}
}

// openBackend selects the vector engine: an empty URL runs the in-process
// engine (dev mode), anything else is a Qdrant endpoint that must answer
// at startup. Either way the backend is guarded by a circuit breaker.
func openBackend(cfg *config.Config, log *slog.Logger) (vectorstore.Backend, int) {
	var inner vectorstore.Backend
	if cfg.VectorBackendURL == "" {
		log.Warn("VECTOR_BACKEND_URL empty, using in-process vector engine")
		inner = vectorstore.NewMemory()
	} else {
		q := vectorstore.NewQdrant(cfg.VectorBackendURL)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.Ping(ctx); err != nil {
			log.Error("vector backend unreachable", "url", cfg.VectorBackendURL, "error", err)
			return nil, exitBackend
		}
		inner = q
	}
	return breaker.Guard(inner, breaker.New(breaker.DefaultConfig("vector-backend"))), exitOK
}

func openRedis(cfg *config.Config, log *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("REDIS_URL invalid, replay guard disabled", "error", err)
		return nil
	}
	return redis.NewClient(opts)
}

func maxInFlight() int {
	if v, err := strconv.Atoi(os.Getenv("INGEST_MAX_IN_FLIGHT")); err == nil && v > 0 {
		return v
	}
	return runtime.NumCPU()
}

// sweeper enforces Tier-1 eviction and Tier-2 retention.
func sweeper(ctx context.Context, monitor *tier1.Monitor, store *tier2.Store, log *slog.Logger) {
	evict := time.NewTicker(30 * time.Second)
	retain := time.NewTicker(time.Hour)
	defer evict.Stop()
	defer retain.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-evict.C:
			if err := monitor.Evict(ctx); err != nil {
				log.Warn("tier1 eviction failed", "error", err)
			}
		case <-retain.C:
			if err := store.Sweep(ctx, time.Now()); err != nil {
				log.Warn("tier2 retention sweep failed", "error", err)
			}
		}
	}
}

// analysisLoop runs the periodic analysis pass so anomalies promote even
// when no operator is polling.
func analysisLoop(ctx context.Context, server *api.Server, cfg *config.Config, log *slog.Logger) {
	ticker := time.NewTicker(cfg.AnalysisInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, cfg.AnalysisInterval)
			_, promoted, err := server.AnalyzeAndPromote(opCtx, cfg.T1Window, 20, -1)
			cancel()
			if err != nil {
				log.Warn("periodic analysis failed", "error", err)
				continue
			}
			if len(promoted) > 0 {
				log.Info("periodic analysis promoted classes", "count", len(promoted))
			}
		}
	}
}

// sparseRefreshLoop folds pending BM25 statistics in daily.
func sparseRefreshLoop(ctx context.Context, pipeline *promote.Pipeline) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pipeline.RefreshSparseStats()
		}
	}
}
