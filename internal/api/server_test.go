package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/vectoratlas/via/internal/via"
)

type harness struct {
	ts       *httptest.Server
	backend  *vectorstore.Memory
	controls *control.Registry
	store    *tier2.Store
	regPath  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	backend := vectorstore.NewMemory()
	controls, err := control.Open(filepath.Join(dir, "control.db"))
	require.NoError(t, err)
	t.Cleanup(func() { controls.Close() })

	store := tier2.NewStore(backend, 30)
	emb := embedder.New("local", 16)
	sparse := rhythm.NewSparseEncoder()
	pipeline := promote.NewPipeline(store, emb, sparse, controls)

	monitor := tier1.NewMonitor(backend, controls, tier1.Options{})
	require.NoError(t, monitor.Setup(context.Background()))

	coordinator := ingest.NewCoordinator(monitor, ingest.Options{})
	querier := federate.NewQuerier(backend, store, 200*time.Millisecond)

	regPath := filepath.Join(dir, "regressions.jsonl")
	recorder, err := regression.NewRecorder(regPath)
	require.NoError(t, err)

	schemas, err := schema.NewRegistry(controls.DB())
	require.NoError(t, err)

	cfg := &config.Config{QueryTimeout: 200 * time.Millisecond}
	srv := NewServer(cfg, coordinator, monitor, pipeline, querier, controls,
		recorder, schemas, store, metrics.NewWith(prometheus.NewRegistry()))

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, backend: backend, controls: controls, store: store, regPath: regPath}
}

func (h *harness) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func wire(ts int64, service, level, message string) map[string]any {
	return map[string]any{"ts": ts, "service": service, "level": level, "message": message}
}

// trafficShape ingests the canonical steady-then-burst traffic and returns
// the burst's timestamps.
func (h *harness) ingestSteadyAndBurst(t *testing.T, now int64) {
	t.Helper()
	var events []map[string]any
	for i := 0; i < 500; i++ {
		events = append(events, wire(now-660+int64(i)*600/500, "checkout", "INFO",
			fmt.Sprintf("request completed in %d ms", 10+i%7)))
	}
	for i := 0; i < 30; i++ {
		events = append(events, wire(now-58+int64(i)*2, "checkout", "ERROR",
			fmt.Sprintf("payment provider timeout after %d retries", i%3)))
	}
	code, body := h.post(t, "/api/v1/ingest/stream", map[string]any{"events": events})
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 530, body["accepted"])
}

func (h *harness) analyze(t *testing.T, windowSec, topK int) []map[string]any {
	t.Helper()
	code, body := h.post(t, "/api/v1/analysis/tier1/rhythm_anomalies",
		map[string]any{"window_sec": windowSec, "top_k": topK})
	require.Equal(t, http.StatusOK, code)
	raw, ok := body["anomalies"].([]any)
	require.True(t, ok)
	out := make([]map[string]any, 0, len(raw))
	for _, a := range raw {
		out = append(out, a.(map[string]any))
	}
	return out
}

func TestScenarioBurstDetectionAndPromotion(t *testing.T) {
	h := newHarness(t)
	now := time.Now().Unix()
	h.ingestSteadyAndBurst(t, now)

	anomalies := h.analyze(t, 900, 5)
	require.Len(t, anomalies, 1, "steady traffic stays quiet")
	a := anomalies[0]
	assert.EqualValues(t, 30, a["count"])
	assert.GreaterOrEqual(t, a["score"].(float64), 0.8)
	hash := a["rhythm_hash"].(string)
	require.NotEmpty(t, hash)

	// Scenario follow-up: the class is now in today's forensic partition.
	code, body := h.post(t, "/api/v1/analysis/tier2/clusters",
		map[string]any{"start_ts": now - 3600, "end_ts": now + 60})
	require.Equal(t, http.StatusOK, code)
	incidents := body["incidents"].([]any)
	require.Len(t, incidents, 1)
	inc := incidents[0].(map[string]any)
	assert.Equal(t, hash, inc["rhythm_hash"])
	assert.Contains(t, inc["representative_message"], "payment provider timeout")

	names, err := h.backend.ListCollections(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, tier2.CollectionName(via.UTCDay(now)))
}

func TestScenarioSuppressHidesUntilLifted(t *testing.T) {
	h := newHarness(t)
	now := time.Now().Unix()
	h.ingestSteadyAndBurst(t, now)

	anomalies := h.analyze(t, 900, 5)
	require.Len(t, anomalies, 1)
	hash := anomalies[0]["rhythm_hash"].(string)

	code, body := h.post(t, "/api/v1/control/suppress",
		map[string]any{"rhythm_hash": hash, "ttl_sec": 60, "reason": "known flake"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Greater(t, body["expires_at"].(float64), float64(now))

	assert.Empty(t, h.analyze(t, 900, 5), "suppressed class disappears")

	code, _ = h.post(t, "/api/v1/control/lift", map[string]any{"rhythm_hash": hash})
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, h.analyze(t, 900, 5), 1, "lifted class reappears")
}

func TestScenarioPatchSilencesAndRecordsRegression(t *testing.T) {
	h := newHarness(t)
	now := time.Now().Unix()
	h.ingestSteadyAndBurst(t, now)

	anomalies := h.analyze(t, 900, 5)
	require.Len(t, anomalies, 1)
	hash := anomalies[0]["rhythm_hash"].(string)

	code, body := h.post(t, "/api/v1/control/patch",
		map[string]any{"rhythm_hash": hash, "reason": "expected during deploys", "operator_id": "op-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])

	// 100 more matching events arrive; the class must stay silent.
	var more []map[string]any
	for i := 0; i < 100; i++ {
		more = append(more, wire(now-int64(i%50), "checkout", "ERROR",
			fmt.Sprintf("payment provider timeout after %d retries", 5+i)))
	}
	code, _ = h.post(t, "/api/v1/ingest/stream", map[string]any{"events": more})
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, h.analyze(t, 900, 5))

	records, err := regression.Load(h.regPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, hash, fmt.Sprintf("%d", records[0].RhythmHash))
	assert.LessOrEqual(t, len(records[0].Events), regression.MaxSnapshotEvents)
	assert.NotEmpty(t, records[0].Events)

	// Idempotent patch: still exactly one regression record.
	code, _ = h.post(t, "/api/v1/control/patch", map[string]any{"rhythm_hash": hash})
	require.Equal(t, http.StatusOK, code)
	records, err = regression.Load(h.regPath)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func seedIncident(t *testing.T, h *harness, hash uint64, day string, promotedAt int64, count int, msg string) {
	t.Helper()
	emb := embedder.New("local", 8)
	dense, err := emb.Embed(context.Background(), msg, embedder.Tier2Dim)
	require.NoError(t, err)
	inc := via.Incident{
		ID: via.IncidentID(hash, day), RhythmHash: hash, Service: "auth",
		Level: via.LevelError, RepresentativeMessage: msg,
		FirstSeenTS: promotedAt - 60, LastSeenTS: promotedAt, Count: count,
		PromotedAt: promotedAt, PromotedScore: 0.9,
	}
	require.NoError(t, h.store.Upsert(context.Background(), day, []vectorstore.Point{{
		ID:      inc.ID,
		Dense:   map[string][]float32{tier2.DenseVector: dense},
		Payload: tier2.IncidentPayload(inc),
	}}))
}

func TestScenarioFederationAcrossDayBoundary(t *testing.T) {
	h := newHarness(t)
	today := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	seedIncident(t, h, 0xaaa, via.UTCDay(yesterday.Unix()), yesterday.Unix(), 12, "token expired")
	seedIncident(t, h, 0xaaa, via.UTCDay(today.Unix()), today.Unix(), 40, "token expired")
	seedIncident(t, h, 0xbbb, via.UTCDay(today.Unix()), today.Unix(), 3, "deadlock detected")

	code, body := h.post(t, "/api/v1/analysis/tier2/clusters", map[string]any{
		"start_ts": yesterday.Add(-time.Hour).Unix(), "end_ts": today.Add(time.Hour).Unix(),
	})
	require.Equal(t, http.StatusOK, code)
	incidents := body["incidents"].([]any)
	require.Len(t, incidents, 2, "same class on both days deduplicates")

	first := incidents[0].(map[string]any)
	assert.EqualValues(t, 40, first["count"], "larger aggregate wins the dedupe")
}

func TestScenarioSlowPartitionWarning(t *testing.T) {
	h := newHarness(t)
	today := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	posHash := uint64(0xccc)
	seedIncident(t, h, posHash, via.UTCDay(yesterday.Unix()), yesterday.Unix(), 5, "token validation failed for tenant 7")
	seedIncident(t, h, 0xddd, via.UTCDay(yesterday.Unix()), yesterday.Unix(), 4, "token validation failed for tenant 9")
	seedIncident(t, h, 0xeee, via.UTCDay(today.Unix()), today.Unix(), 4, "deadlock detected")
	slow := tier2.CollectionName(via.UTCDay(today.Unix()))
	h.backend.SlowCollection(slow, time.Second)

	code, body := h.post(t, "/api/v1/analysis/tier2/triage", map[string]any{
		"start_ts":     yesterday.Add(-time.Hour).Unix(),
		"end_ts":       today.Add(time.Hour).Unix(),
		"positive_ids": []string{via.IncidentID(posHash, via.UTCDay(yesterday.Unix()))},
	})
	require.Equal(t, http.StatusOK, code, "slow partition degrades, never aborts")
	warnings := body["warnings"].([]any)
	require.Len(t, warnings, 1)
	assert.Equal(t, slow, warnings[0])
	assert.NotEmpty(t, body["incidents"])
}

func TestTriageEmptyPositivesIsBadRequest(t *testing.T) {
	h := newHarness(t)
	code, body := h.post(t, "/api/v1/analysis/tier2/triage",
		map[string]any{"start_ts": 100, "end_ts": 200})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", body["code"])
}

func TestBoundaryBehaviors(t *testing.T) {
	h := newHarness(t)

	// Zero events.
	code, body := h.post(t, "/api/v1/ingest/stream", map[string]any{"events": []any{}})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["accepted"])

	// top_k = 0 returns an empty list even with traffic present.
	now := time.Now().Unix()
	h.ingestSteadyAndBurst(t, now)
	assert.Empty(t, h.analyze(t, 900, 0))

	// Missing window is rejected.
	code, body = h.post(t, "/api/v1/analysis/tier1/rhythm_anomalies", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", body["code"])

	// Empty federation window.
	code, body = h.post(t, "/api/v1/analysis/tier2/clusters",
		map[string]any{"start_ts": 100, "end_ts": 200})
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["incidents"])
	assert.Empty(t, body["warnings"])
}

func TestHealthReportsCounts(t *testing.T) {
	h := newHarness(t)
	now := time.Now().Unix()
	h.ingestSteadyAndBurst(t, now)
	h.analyze(t, 900, 5)

	code, body := h.get(t, "/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 530, body["tier1_points"])
	assert.EqualValues(t, 1, body["tier2_collections"])
	assert.Equal(t, false, body["promotion_degraded"])
}

func TestSchemaEndpoints(t *testing.T) {
	h := newHarness(t)

	otel := `{"resourceLogs":[{"resource":{"attributes":[{"key":"service.name","value":{"stringValue":"checkout"}}]},"scopeLogs":[{"logRecords":[{"timeUnixNano":"1","severityText":"ERROR","body":{"stringValue":"x"}}]}]}]}`
	code, body := h.post(t, "/api/v1/schemas/detect", map[string]any{"sample_logs": []string{otel}})
	require.Equal(t, http.StatusOK, code)
	detected := body["schema"].(map[string]any)
	require.Len(t, detected["fields"], 4)

	detected["source_name"] = "otel-gateway"
	code, _ = h.post(t, "/api/v1/schemas", detected)
	require.Equal(t, http.StatusOK, code)

	code, got := h.get(t, "/api/v1/schemas/otel-gateway")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "otel-gateway", got["source_name"])

	code, _ = h.get(t, "/api/v1/schemas/unknown")
	assert.Equal(t, http.StatusNotFound, code)

	// Undetectable sample.
	code, body = h.post(t, "/api/v1/schemas/detect", map[string]any{"sample_logs": []string{"plain text"}})
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["schema"])
}

func TestControlRoundTripRestoresState(t *testing.T) {
	h := newHarness(t)
	now := time.Now().Unix()
	h.ingestSteadyAndBurst(t, now)
	require.Len(t, h.analyze(t, 900, 5), 1)
	hash := h.analyze(t, 900, 5)[0]["rhythm_hash"].(string)

	h.post(t, "/api/v1/control/suppress", map[string]any{"rhythm_hash": hash, "ttl_sec": 300})
	h.post(t, "/api/v1/control/lift", map[string]any{"rhythm_hash": hash})

	// suppress then lift leaves the class exactly as before.
	assert.Len(t, h.analyze(t, 900, 5), 1)
}
