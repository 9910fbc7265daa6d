// Package api exposes the VIA pipeline over REST/JSON: streaming ingest,
// Tier-1 analysis, federated Tier-2 queries, the operator control loop and
// the schema registry.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vectoratlas/via/internal/config"
	"github.com/vectoratlas/via/internal/control"
	"github.com/vectoratlas/via/internal/federate"
	"github.com/vectoratlas/via/internal/ingest"
	"github.com/vectoratlas/via/internal/metrics"
	"github.com/vectoratlas/via/internal/promote"
	"github.com/vectoratlas/via/internal/regression"
	"github.com/vectoratlas/via/internal/schema"
	"github.com/vectoratlas/via/internal/tier1"
	"github.com/vectoratlas/via/internal/tier2"
	"github.com/vectoratlas/via/internal/via"
)

// defaultTopK bounds an analysis response when the caller does not ask for
// a specific number of classes.
const defaultTopK = 20

// Server wires the pipeline components behind the HTTP surface.
type Server struct {
	cfg         *config.Config
	log         *slog.Logger
	coordinator *ingest.Coordinator
	monitor     *tier1.Monitor
	pipeline    *promote.Pipeline
	querier     *federate.Querier
	controls    *control.Registry
	recorder    *regression.Recorder
	schemas     *schema.Registry
	store       *tier2.Store
	metrics     *metrics.Metrics
}

func NewServer(
	cfg *config.Config,
	coordinator *ingest.Coordinator,
	monitor *tier1.Monitor,
	pipeline *promote.Pipeline,
	querier *federate.Querier,
	controls *control.Registry,
	recorder *regression.Recorder,
	schemas *schema.Registry,
	store *tier2.Store,
	m *metrics.Metrics,
) *Server {
	return &Server{
		cfg:         cfg,
		log:         slog.With("component", "api"),
		coordinator: coordinator,
		monitor:     monitor,
		pipeline:    pipeline,
		querier:     querier,
		controls:    controls,
		recorder:    recorder,
		schemas:     schemas,
		store:       store,
		metrics:     m,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/ingest/stream", s.handleIngest).Methods("POST")
	v1.HandleFunc("/analysis/tier1/rhythm_anomalies", s.handleRhythmAnomalies).Methods("POST")
	v1.HandleFunc("/analysis/tier2/clusters", s.handleClusters).Methods("POST")
	v1.HandleFunc("/analysis/tier2/triage", s.handleTriage).Methods("POST")
	v1.HandleFunc("/control/suppress", s.handleSuppress).Methods("POST")
	v1.HandleFunc("/control/patch", s.handlePatch).Methods("POST")
	v1.HandleFunc("/control/lift", s.handleLift).Methods("POST")
	v1.HandleFunc("/schemas/detect", s.handleSchemaDetect).Methods("POST")
	v1.HandleFunc("/schemas", s.handleSchemaSave).Methods("POST")
	v1.HandleFunc("/schemas/{source_name}", s.handleSchemaGet).Methods("GET")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request handled",
			"method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// AnalyzeAndPromote runs one full analysis pass: score the window, hand the
// anomalies to the promotion pipeline and record the state transitions.
// Shared by the HTTP handler and the periodic analysis worker.
func (s *Server) AnalyzeAndPromote(ctx context.Context, window time.Duration, topK int, threshold float64) ([]via.Anomaly, []uint64, error) {
	started := time.Now()
	anomalies, err := s.monitor.RhythmAnomalies(ctx, window, topK, threshold)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.AnalysisDuration.Observe(time.Since(started).Seconds())
	s.metrics.AnomaliesFound.Add(float64(len(anomalies)))

	incidents, err := s.pipeline.Promote(ctx, anomalies)
	if err != nil {
		// Promotion failure degrades /health, never the analysis response.
		s.metrics.PromotionsDegraded.Inc()
		s.log.Error("promotion degraded", "error", err)
		return anomalies, nil, nil
	}
	promoted := make([]uint64, 0, len(incidents))
	for _, inc := range incidents {
		s.monitor.MarkPromoted(inc.RhythmHash)
		promoted = append(promoted, inc.RhythmHash)
	}
	s.metrics.IncidentsPromoted.Add(float64(len(incidents)))
	return anomalies, promoted, nil
}
