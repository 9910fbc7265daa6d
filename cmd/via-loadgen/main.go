// Command via-loadgen simulates a multi-service environment and streams
// synthetic log batches at a running via-server. A steady mix of leveled
// traffic is interleaved with three scripted incidents so the rhythm
// monitor has something to find: an error burst, a one-off novel failure
// and a multi-line stack trace.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type wireEvent struct {
	TS         int64             `json:"ts"`
	Service    string            `json:"service"`
	Level      string            `json:"level"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type ingestResponse struct {
	Accepted    int      `json:"accepted"`
	Deduped     int      `json:"deduped"`
	ParseFailed int      `json:"parse_failed"`
	Warnings    []string `json:"warnings"`
}

// window marks an incident interval in seconds since start.
type window struct{ from, to int }

func (w window) contains(elapsed float64) bool {
	return float64(w.from) < elapsed && elapsed < float64(w.to)
}

var services = []string{
	"auth-service", "payment-service", "api-gateway",
	"user-service", "notification-service", "db-cluster",
}

type template struct {
	level  string
	weight int
	build  func(r *rand.Rand) string
}

var templates = []template{
	{"DEBUG", 5, func(r *rand.Rand) string {
		return fmt.Sprintf("cache hit for key %x", r.Uint64())
	}},
	{"INFO", 40, func(r *rand.Rand) string {
		return fmt.Sprintf("%s /api/orders/%d completed in %dms with status %d",
			pick(r, "GET", "POST", "PUT"), r.Intn(9000)+1000, r.Intn(250)+50, pick(r, 200, 201))
	}},
	{"INFO", 20, func(r *rand.Rand) string {
		return fmt.Sprintf("processed payment %s for user u%d", uuid.NewString(), r.Intn(100000))
	}},
	{"INFO", 10, func(r *rand.Rand) string {
		return fmt.Sprintf("user u%d logged in from 10.0.%d.%d", r.Intn(100000), r.Intn(255), r.Intn(255))
	}},
	{"WARN", 10, func(r *rand.Rand) string {
		return fmt.Sprintf("high latency (%dms) on /api/checkout", r.Intn(4000)+1000)
	}},
	{"WARN", 5, func(r *rand.Rand) string {
		return fmt.Sprintf("memory usage spike: %d%%", r.Intn(35)+60)
	}},
	{"ERROR", 8, func(r *rand.Rand) string {
		return fmt.Sprintf("failed to authenticate user u%d: invalid credentials", r.Intn(100000))
	}},
	{"FATAL", 2, func(r *rand.Rand) string {
		return fmt.Sprintf("security breach detected: unauthorized access from 10.0.%d.%d", r.Intn(255), r.Intn(255))
	}},
}

func pick[T any](r *rand.Rand, options ...T) T {
	return options[r.Intn(len(options))]
}

type generator struct {
	r         *rand.Rand
	start     time.Time
	intensity float64

	burst window // sustained error spike
	novel window // one rare failure class
	trace window // multi-line stack trace
}

func newGenerator(seed int64, intensity float64) *generator {
	return &generator{
		r:         rand.New(rand.NewSource(seed)),
		start:     time.Now(),
		intensity: intensity,
		burst:     window{240, 260},
		novel:     window{360, 362},
		trace:     window{480, 482},
	}
}

func (g *generator) next() wireEvent {
	now := time.Now()
	elapsed := now.Sub(g.start).Seconds()
	service := pick(g.r, services...)
	traceID := uuid.NewString()

	switch {
	case g.trace.contains(elapsed):
		return g.stackTrace(now, service, traceID)
	case g.novel.contains(elapsed):
		return wireEvent{
			TS:      now.Unix(),
			Service: service,
			Level:   "FATAL",
			Message: "unrecoverable checksum divergence in replication stream, halting writes",
			Attributes: map[string]string{
				"trace_id":       traceID,
				"affected_nodes": fmt.Sprint(g.r.Intn(16) + 5),
			},
		}
	case g.burst.contains(elapsed) && g.r.Float64() < g.intensity:
		return wireEvent{
			TS:      now.Unix(),
			Service: service,
			Level:   "ERROR",
			Message: fmt.Sprintf("service unavailable: upstream failure, retrying %d", g.r.Intn(5)+1),
			Attributes: map[string]string{
				"trace_id":   traceID,
				"error.type": "UpstreamFailure",
			},
		}
	}
	return g.normal(now, service, traceID)
}

func (g *generator) normal(now time.Time, service, traceID string) wireEvent {
	total := 0
	for _, t := range templates {
		total += t.weight
	}
	n := g.r.Intn(total)
	for _, t := range templates {
		if n < t.weight {
			return wireEvent{
				TS:         now.Unix(),
				Service:    service,
				Level:      t.level,
				Message:    t.build(g.r),
				Attributes: map[string]string{"trace_id": traceID},
			}
		}
		n -= t.weight
	}
	panic("unreachable")
}

func (g *generator) stackTrace(now time.Time, service, traceID string) wireEvent {
	depth := g.r.Intn(6) + 5
	var b strings.Builder
	b.WriteString("unhandled exception in core module:\njava.lang.RuntimeException: critical failure")
	for i := 0; i < depth; i++ {
		fmt.Fprintf(&b, "\n\tat com.example.%s.Module%d.method%d(Module%d.java:%d)",
			service, i, i, i, g.r.Intn(150)+50)
	}
	return wireEvent{
		TS:      now.Unix(),
		Service: service,
		Level:   "ERROR",
		Message: b.String(),
		Attributes: map[string]string{
			"trace_id":    traceID,
			"error.type":  "RuntimeException",
			"stack_depth": fmt.Sprint(depth),
		},
	}
}

func postBatch(client *http.Client, endpoint string, events []wireEvent) (ingestResponse, error) {
	var res ingestResponse
	body, err := json.Marshal(struct {
		Events []wireEvent `json:"events"`
	}{events})
	if err != nil {
		return res, err
	}
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return res, fmt.Errorf("server overloaded, batch shed")
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return res, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, err
	}
	return res, nil
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "via-server base URL")
	duration := flag.Duration("duration", 10*time.Minute, "How long to run")
	rate := flag.Int("rate", 500, "Events per second")
	batchSize := flag.Int("batch", 250, "Events per ingest request")
	intensity := flag.Float64("intensity", 0.8, "Probability of injected errors inside the burst window")
	seed := flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "loadgen")
	endpoint := *addr + "/api/v1/ingest/stream"
	client := &http.Client{Timeout: 30 * time.Second}
	gen := newGenerator(*seed, *intensity)

	log.Info("streaming synthetic logs",
		"endpoint", endpoint, "rate", *rate, "duration", *duration)

	deadline := time.Now().Add(*duration)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var sent, accepted, deduped, failed int
	for time.Now().Before(deadline) {
		// One second's worth of events, flushed in batches.
		pending := make([]wireEvent, 0, *batchSize)
		for i := 0; i < *rate; i++ {
			pending = append(pending, gen.next())
			if len(pending) >= *batchSize {
				flush(log, client, endpoint, pending, &sent, &accepted, &deduped, &failed)
				pending = pending[:0]
			}
		}
		if len(pending) > 0 {
			flush(log, client, endpoint, pending, &sent, &accepted, &deduped, &failed)
		}
		if sent%(*rate*10) == 0 {
			log.Info("progress", "sent", sent, "accepted", accepted, "deduped", deduped, "failed", failed)
		}
		<-ticker.C
	}

	log.Info("done", "sent", sent, "accepted", accepted, "deduped", deduped, "failed", failed)
}

func flush(log *slog.Logger, client *http.Client, endpoint string, events []wireEvent,
	sent, accepted, deduped, failed *int) {
	*sent += len(events)
	res, err := postBatch(client, endpoint, events)
	if err != nil {
		*failed += len(events)
		log.Warn("batch rejected", "events", len(events), "error", err)
		return
	}
	*accepted += res.Accepted
	*deduped += res.Deduped
}
