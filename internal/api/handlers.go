package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vectoratlas/via/internal/federate"
	"github.com/vectoratlas/via/internal/regression"
	"github.com/vectoratlas/via/internal/schema"
	"github.com/vectoratlas/via/internal/via"
)

// errorBody is the stable error envelope: a machine-readable code plus a
// human-readable message.
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, via.ErrBadEvent), errors.Is(err, via.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, via.ErrOverloaded):
		status = http.StatusTooManyRequests
	case errors.Is(err, via.ErrEmbedderBusy), errors.Is(err, via.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Code: via.CodeOf(err), Error: err.Error()})
}

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return via.ErrBadRequest.Wrap("decode body: %v", err)
	}
	return nil
}

// wireEvent is the ingestion wire format; level arrives as a free string.
type wireEvent struct {
	TS         int64             `json:"ts"`
	Service    string            `json:"service"`
	Level      string            `json:"level"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (e wireEvent) toEvent() via.LogEvent {
	return via.LogEvent{
		TS:         e.TS,
		Service:    e.Service,
		Level:      via.ParseLevel(e.Level),
		Message:    e.Message,
		Attributes: e.Attributes,
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []wireEvent `json:"events"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	events := make([]via.LogEvent, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, e.toEvent())
	}

	started := time.Now()
	res, err := s.coordinator.IngestBatch(r.Context(), events)
	if err != nil {
		if errors.Is(err, via.ErrOverloaded) {
			s.metrics.BatchesShed.Inc()
		}
		writeError(w, err)
		return
	}
	s.metrics.RecordIngest(res.Accepted, res.Deduped, res.ParseFailed, time.Since(started).Seconds())

	writeJSON(w, http.StatusOK, struct {
		Accepted    int      `json:"accepted"`
		Deduped     int      `json:"deduped"`
		ParseFailed int      `json:"parse_failed"`
		Warnings    []string `json:"warnings"`
	}{res.Accepted, res.Deduped, res.ParseFailed, []string{}})
}

func (s *Server) handleRhythmAnomalies(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WindowSec int64    `json:"window_sec"`
		TopK      *int     `json:"top_k,omitempty"`
		Threshold *float64 `json:"threshold,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WindowSec <= 0 {
		writeError(w, via.ErrBadRequest.Wrap("window_sec must be positive"))
		return
	}
	topK := defaultTopK
	if req.TopK != nil {
		if *req.TopK < 0 {
			writeError(w, via.ErrBadRequest.Wrap("top_k must not be negative"))
			return
		}
		topK = *req.TopK
	}
	threshold := -1.0 // monitor default; an explicit 0 is honored as 0
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			writeError(w, via.ErrBadRequest.Wrap("threshold must be in [0,1]"))
			return
		}
		threshold = *req.Threshold
	}

	anomalies, promoted, err := s.AnalyzeAndPromote(r.Context(),
		time.Duration(req.WindowSec)*time.Second, topK, threshold)
	if err != nil {
		writeError(w, err)
		return
	}

	promotedStrs := make([]string, 0, len(promoted))
	for _, h := range promoted {
		promotedStrs = append(promotedStrs, strconv.FormatUint(h, 10))
	}
	if anomalies == nil {
		anomalies = []via.Anomaly{}
	}
	writeJSON(w, http.StatusOK, struct {
		Anomalies []via.Anomaly `json:"anomalies"`
		Promoted  []string      `json:"promoted"`
	}{anomalies, promotedStrs})
}

type incidentsResponse struct {
	Incidents []via.Incident `json:"incidents"`
	Warnings  []string       `json:"warnings"`
}

func newIncidentsResponse(incidents []via.Incident, warnings []string) incidentsResponse {
	if incidents == nil {
		incidents = []via.Incident{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	return incidentsResponse{incidents, warnings}
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartTS int64             `json:"start_ts"`
		EndTS   int64             `json:"end_ts"`
		Filters *federate.Filters `json:"filters,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	started := time.Now()
	incidents, warnings, err := s.querier.Clusters(r.Context(), req.StartTS, req.EndTS, req.Filters)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordQuery("clusters", time.Since(started).Seconds(), len(warnings))
	writeJSON(w, http.StatusOK, newIncidentsResponse(incidents, warnings))
}

func (s *Server) handleTriage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartTS     int64             `json:"start_ts"`
		EndTS       int64             `json:"end_ts"`
		PositiveIDs []string          `json:"positive_ids"`
		NegativeIDs []string          `json:"negative_ids"`
		Filters     *federate.Filters `json:"filters,omitempty"`
		Limit       int               `json:"limit,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	started := time.Now()
	incidents, warnings, err := s.querier.Triage(r.Context(),
		req.StartTS, req.EndTS, req.PositiveIDs, req.NegativeIDs, req.Filters, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordQuery("triage", time.Since(started).Seconds(), len(warnings))
	writeJSON(w, http.StatusOK, newIncidentsResponse(incidents, warnings))
}

// controlRequest covers suppress, patch and lift bodies; rhythm_hash is a
// decimal string because uint64 does not survive JSON numbers.
type controlRequest struct {
	RhythmHash uint64 `json:"rhythm_hash,string"`
	TTLSec     int64  `json:"ttl_sec,omitempty"`
	Reason     string `json:"reason,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	expiresAt, err := s.controls.Suppress(r.Context(), req.RhythmHash,
		time.Duration(req.TTLSec)*time.Second, req.Reason, req.OperatorID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ControlsActivated.WithLabelValues("suppress").Inc()
	writeJSON(w, http.StatusOK, struct {
		OK        bool  `json:"ok"`
		ExpiresAt int64 `json:"expires_at"`
	}{true, expiresAt})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	transitioned, err := s.controls.Patch(r.Context(), req.RhythmHash, req.Reason, req.OperatorID)
	if err != nil {
		writeError(w, err)
		return
	}
	if transitioned {
		// First patch of this class: capture its regression case from the
		// events still in the window.
		events, err := s.monitor.Snapshot(r.Context(), req.RhythmHash, regression.MaxSnapshotEvents)
		if err != nil {
			s.log.Warn("regression snapshot failed", "rhythm_hash", req.RhythmHash, "error", err)
		} else if _, err := s.recorder.Append(req.RhythmHash, events, req.OperatorID); err != nil {
			s.log.Warn("regression record failed", "rhythm_hash", req.RhythmHash, "error", err)
		}
	}
	s.metrics.ControlsActivated.WithLabelValues("patch").Inc()
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}

func (s *Server) handleLift(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.controls.Lift(r.Context(), req.RhythmHash); err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ControlsActivated.WithLabelValues("lift").Inc()
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tier1Points, err := s.monitor.LivePoints(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}{false, err.Error()})
		return
	}
	partitions, err := s.store.Count(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}{false, err.Error()})
		return
	}
	s.metrics.Tier1LivePoints.Set(float64(tier1Points))
	s.metrics.Tier2Partitions.Set(float64(partitions))

	degraded, reason := s.pipeline.Degraded()
	writeJSON(w, http.StatusOK, struct {
		OK                 bool   `json:"ok"`
		Tier1Points        int    `json:"tier1_points"`
		Tier2Collections   int    `json:"tier2_collections"`
		PromotionDegraded  bool   `json:"promotion_degraded"`
		PromotionLastError string `json:"promotion_last_error,omitempty"`
	}{true, tier1Points, partitions, degraded, reason})
}

func (s *Server) handleSchemaDetect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SampleLogs []string `json:"sample_logs"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Schema *schema.Schema `json:"schema"`
	}{schema.Detect(req.SampleLogs)})
}

func (s *Server) handleSchemaSave(w http.ResponseWriter, r *http.Request) {
	var req schema.Schema
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SourceName == "" {
		writeError(w, via.ErrBadRequest.Wrap("source_name is required"))
		return
	}
	if err := s.schemas.Save(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}

func (s *Server) handleSchemaGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["source_name"]
	got, err := s.schemas.Get(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if got == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "BAD_REQUEST", Error: "unknown source " + name})
		return
	}
	writeJSON(w, http.StatusOK, got)
}
