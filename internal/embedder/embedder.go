// Package embedder expresses the embedding model as an external capability:
// a function from text to a dense vector of a requested dimension. The
// process holds a single gated instance with a bounded request queue;
// overflow surfaces as EMBEDDER_BUSY and callers decide whether to retry.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vectoratlas/via/internal/rhythm"
	"github.com/vectoratlas/via/internal/via"
)

// Tier2Dim is the dense dimension of forensic incident embeddings.
const Tier2Dim = 384

// Embedder maps text to a dense vector. Implementations must keep
// semantically close inputs close under cosine.
type Embedder interface {
	Embed(ctx context.Context, text string, dim int) ([]float32, error)
}

// New selects the backend: "local" (default) is the in-process
// deterministic embedder, anything starting with http is a remote model
// server. The result is gated by a bounded queue of queueDepth requests.
func New(backend string, queueDepth int) Embedder {
	var inner Embedder
	if strings.HasPrefix(backend, "http://") || strings.HasPrefix(backend, "https://") {
		inner = &remote{url: backend, client: &http.Client{Timeout: 15 * time.Second}}
	} else {
		inner = local{}
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &gated{inner: inner, slots: make(chan struct{}, queueDepth)}
}

// local is the zero-dependency embedder: feature hashing over tokens and
// bigrams, L2-normalized. Deterministic across restarts, which also keeps
// Tier-2 incident vectors stable for regression replay.
type local struct{}

func (local) Embed(_ context.Context, text string, dim int) ([]float32, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embed: invalid dimension %d", dim)
	}
	return rhythm.EmbedSkeleton(strings.ToLower(text), dim), nil
}

// remote calls a model server: POST {text, dim} -> {vector}.
type remote struct {
	url    string
	client *http.Client
}

func (r *remote) Embed(ctx context.Context, text string, dim int) ([]float32, error) {
	body, err := json.Marshal(map[string]any{"text": text, "dim": dim})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, via.ErrEmbedderBusy.Wrap("embedder backend: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, via.ErrEmbedderBusy.Wrap("embedder backend status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedder backend status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Vector []float32 `json:"vector"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedder response: %w", err)
	}
	if len(out.Vector) != dim {
		return nil, fmt.Errorf("embedder returned %d dims, want %d", len(out.Vector), dim)
	}
	return out.Vector, nil
}

// gated enforces the bounded request queue. A full queue fails fast with
// EMBEDDER_BUSY instead of queueing unboundedly.
type gated struct {
	inner Embedder
	slots chan struct{}
}

func (g *gated) Embed(ctx context.Context, text string, dim int) ([]float32, error) {
	select {
	case g.slots <- struct{}{}:
		defer func() { <-g.slots }()
	default:
		return nil, via.ErrEmbedderBusy
	}
	return g.inner.Embed(ctx, text, dim)
}
