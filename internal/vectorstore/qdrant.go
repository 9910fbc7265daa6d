package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vectoratlas/via/internal/via"
)

// Qdrant talks to a Qdrant node over its REST API. Only the surface VIA
// needs is mapped: collections with named dense+sparse vectors, payload
// indexes, upsert, scroll, count, retrieve, grouped search and recommend.
type Qdrant struct {
	baseURL string
	http    *http.Client
}

// NewQdrant builds a client for the node at baseURL (e.g.
// "http://localhost:6333").
func NewQdrant(baseURL string) *Qdrant {
	return &Qdrant{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Ping verifies the node is reachable. Called once at daemon startup.
func (q *Qdrant) Ping(ctx context.Context) error {
	var out struct{}
	return q.do(ctx, http.MethodGet, "/collections", nil, &out)
}

func (q *Qdrant) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.http.Do(req)
	if err != nil {
		return via.ErrBackendUnavailable.Wrap("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return via.ErrBackendUnavailable.Wrap("%s %s: read body: %v", method, path, err)
	}
	if resp.StatusCode >= 500 {
		return via.ErrBackendUnavailable.Wrap("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if resp.StatusCode >= 400 {
		// Client-class rejections (unknown ids, malformed filters) carry the
		// same error kind as the in-process engine so callers branch
		// identically on either backend.
		return via.ErrBadRequest.Wrap("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func quantizationConfig(qz Quantization) map[string]any {
	switch qz {
	case QuantizationInt8:
		return map[string]any{"scalar": map[string]any{"type": "int8", "quantile": 0.99, "always_ram": true}}
	case QuantizationBinary:
		return map[string]any{"binary": map[string]any{"always_ram": true}}
	default:
		return nil
	}
}

func (q *Qdrant) createBody(spec CollectionSpec) map[string]any {
	body := map[string]any{}

	if len(spec.Dense) == 1 && spec.Dense[0].Name == "" {
		d := spec.Dense[0]
		body["vectors"] = map[string]any{"size": d.Dim, "distance": string(d.Distance), "on_disk": d.OnDisk}
		if qc := quantizationConfig(d.Quantization); qc != nil {
			body["quantization_config"] = qc
		}
	} else {
		vectors := map[string]any{}
		for _, d := range spec.Dense {
			vectors[d.Name] = map[string]any{"size": d.Dim, "distance": string(d.Distance), "on_disk": d.OnDisk}
			if qc := quantizationConfig(d.Quantization); qc != nil {
				body["quantization_config"] = qc
			}
		}
		body["vectors"] = vectors
	}

	if len(spec.Sparse) > 0 {
		sparse := map[string]any{}
		for _, s := range spec.Sparse {
			sparse[s.Name] = map[string]any{"modifier": "idf"}
		}
		body["sparse_vectors"] = sparse
	}
	return body
}

func (q *Qdrant) createIndexes(ctx context.Context, spec CollectionSpec) error {
	for _, idx := range spec.Indexes {
		body := map[string]any{"field_name": idx.Field, "field_schema": string(idx.Kind)}
		if err := q.do(ctx, http.MethodPut, "/collections/"+spec.Name+"/index?wait=true", body, nil); err != nil {
			return fmt.Errorf("create index %s on %s: %w", idx.Field, spec.Name, err)
		}
	}
	return nil
}

func (q *Qdrant) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, "/collections/"+spec.Name+"/exists", nil, &exists); err != nil {
		return err
	}
	if exists.Result.Exists {
		return nil
	}
	if err := q.do(ctx, http.MethodPut, "/collections/"+spec.Name, q.createBody(spec), nil); err != nil {
		return err
	}
	return q.createIndexes(ctx, spec)
}

func (q *Qdrant) RecreateCollection(ctx context.Context, spec CollectionSpec) error {
	_ = q.do(ctx, http.MethodDelete, "/collections/"+spec.Name, nil, nil)
	if err := q.do(ctx, http.MethodPut, "/collections/"+spec.Name, q.createBody(spec), nil); err != nil {
		return err
	}
	return q.createIndexes(ctx, spec)
}

func (q *Qdrant) DropCollection(ctx context.Context, name string) error {
	return q.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
}

func (q *Qdrant) ListCollections(ctx context.Context) ([]string, error) {
	var out struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, "/collections", nil, &out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.Result.Collections))
	for _, c := range out.Result.Collections {
		names = append(names, c.Name)
	}
	return names, nil
}

func (q *Qdrant) Upsert(ctx context.Context, collection string, points []Point) error {
	qpoints := make([]map[string]any, 0, len(points))
	for _, p := range points {
		var vector any
		if v, ok := p.Dense[""]; ok && len(p.Dense) == 1 && len(p.Sparse) == 0 {
			vector = v
		} else {
			named := map[string]any{}
			for name, v := range p.Dense {
				named[name] = v
			}
			for name, sv := range p.Sparse {
				named[name] = map[string]any{"indices": sv.Indices, "values": sv.Values}
			}
			vector = named
		}
		qpoints = append(qpoints, map[string]any{"id": p.ID, "vector": vector, "payload": p.Payload})
	}
	body := map[string]any{"points": qpoints}
	return q.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

func (q *Qdrant) DeletePoints(ctx context.Context, collection string, ids []string) error {
	body := map[string]any{"points": ids}
	return q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

func (q *Qdrant) HasPoints(ctx context.Context, collection string, ids []string) (map[string]bool, error) {
	body := map[string]any{"ids": ids, "with_payload": false, "with_vector": false}
	var out struct {
		Result []struct {
			ID any `json:"id"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points", body, &out); err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(ids))
	for _, id := range ids {
		found[id] = false
	}
	for _, r := range out.Result {
		found[fmt.Sprintf("%v", r.ID)] = true
	}
	return found, nil
}

func filterJSON(f *Filter) map[string]any {
	if f == nil || len(f.Must) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(f.Must))
	for _, c := range f.Must {
		cond := map[string]any{"key": c.Field}
		if len(c.MatchAny) == 1 {
			cond["match"] = map[string]any{"value": c.MatchAny[0]}
		} else if len(c.MatchAny) > 1 {
			cond["match"] = map[string]any{"any": c.MatchAny}
		}
		if c.Range != nil {
			rng := map[string]any{}
			if c.Range.GTE != nil {
				rng["gte"] = *c.Range.GTE
			}
			if c.Range.LT != nil {
				rng["lt"] = *c.Range.LT
			}
			if c.Range.LTE != nil {
				rng["lte"] = *c.Range.LTE
			}
			cond["range"] = rng
		}
		must = append(must, cond)
	}
	return map[string]any{"must": must}
}

type qdrantPoint struct {
	ID      any             `json:"id"`
	Payload map[string]any  `json:"payload"`
	Score   float64         `json:"score"`
	Vector  json.RawMessage `json:"vector"`
}

func (p qdrantPoint) toPoint() Point {
	out := Point{ID: fmt.Sprintf("%v", p.ID), Payload: p.Payload, Dense: map[string][]float32{}}
	if len(p.Vector) > 0 {
		var single []float32
		if err := json.Unmarshal(p.Vector, &single); err == nil {
			out.Dense[""] = single
		} else {
			var named map[string]json.RawMessage
			if err := json.Unmarshal(p.Vector, &named); err == nil {
				for name, raw := range named {
					var v []float32
					if err := json.Unmarshal(raw, &v); err == nil {
						out.Dense[name] = v
					}
				}
			}
		}
	}
	return out
}

func (q *Qdrant) Scroll(ctx context.Context, collection string, filter *Filter, limit int, cursor string) ([]Point, string, error) {
	body := map[string]any{"limit": limit, "with_payload": true, "with_vector": true}
	if f := filterJSON(filter); f != nil {
		body["filter"] = f
	}
	if cursor != "" {
		body["offset"] = cursor
	}
	var out struct {
		Result struct {
			Points         []qdrantPoint `json:"points"`
			NextPageOffset any           `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &out); err != nil {
		return nil, "", err
	}
	points := make([]Point, 0, len(out.Result.Points))
	for _, p := range out.Result.Points {
		points = append(points, p.toPoint())
	}
	next := ""
	if out.Result.NextPageOffset != nil {
		next = fmt.Sprintf("%v", out.Result.NextPageOffset)
	}
	return points, next, nil
}

func (q *Qdrant) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	body := map[string]any{"exact": true}
	if f := filterJSON(filter); f != nil {
		body["filter"] = f
	}
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", body, &out); err != nil {
		return 0, err
	}
	return out.Result.Count, nil
}

func (q *Qdrant) SearchGroups(ctx context.Context, collection, vectorName string, vector []float32, filter *Filter, groupBy string, groupSize, limit int) ([]Group, error) {
	if len(vector) == 0 {
		// No query vector: the search API would reject a null vector, so
		// serve the grouped listing from a filtered scroll instead.
		return q.scrollGroups(ctx, collection, filter, groupBy, groupSize, limit)
	}
	body := map[string]any{
		"vector":       map[string]any{"name": vectorName, "vector": vector},
		"group_by":     groupBy,
		"group_size":   groupSize,
		"limit":        limit,
		"with_payload": true,
	}
	if f := filterJSON(filter); f != nil {
		body["filter"] = f
	}
	var out struct {
		Result struct {
			Groups []struct {
				ID   any           `json:"id"`
				Hits []qdrantPoint `json:"hits"`
			} `json:"groups"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search/groups", body, &out); err != nil {
		return nil, err
	}
	groups := make([]Group, 0, len(out.Result.Groups))
	for _, g := range out.Result.Groups {
		hits := make([]ScoredPoint, 0, len(g.Hits))
		for _, h := range g.Hits {
			hits = append(hits, ScoredPoint{Point: h.toPoint(), Score: h.Score})
		}
		groups = append(groups, Group{Key: fmt.Sprintf("%v", g.ID), Hits: hits})
	}
	return groups, nil
}

// scrollGroups pages through the filter and buckets points by the groupBy
// payload field, first groupSize hits per bucket, at most limit buckets.
// Hits carry score 0, matching the in-process engine's unscored listing.
func (q *Qdrant) scrollGroups(ctx context.Context, collection string, filter *Filter, groupBy string, groupSize, limit int) ([]Group, error) {
	byKey := map[string]int{}
	var groups []Group
	cursor := ""
	for {
		points, next, err := q.Scroll(ctx, collection, filter, 256, cursor)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			v, ok := p.Payload[groupBy]
			if !ok {
				continue
			}
			key := payloadString(v)
			idx, ok := byKey[key]
			if !ok {
				if len(groups) >= limit {
					continue
				}
				idx = len(groups)
				byKey[key] = idx
				groups = append(groups, Group{Key: key})
			}
			if len(groups[idx].Hits) < groupSize {
				groups[idx].Hits = append(groups[idx].Hits, ScoredPoint{Point: p})
			}
		}
		if next == "" {
			return groups, nil
		}
		cursor = next
	}
}

func (q *Qdrant) Recommend(ctx context.Context, collection, vectorName string, positive, negative []string, filter *Filter, limit int) ([]ScoredPoint, error) {
	body := map[string]any{
		"positive":     positive,
		"negative":     negative,
		"using":        vectorName,
		"limit":        limit,
		"with_payload": true,
	}
	if f := filterJSON(filter); f != nil {
		body["filter"] = f
	}
	var out struct {
		Result []qdrantPoint `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/recommend", body, &out); err != nil {
		return nil, err
	}
	hits := make([]ScoredPoint, 0, len(out.Result))
	for _, h := range out.Result {
		hits = append(hits, ScoredPoint{Point: h.toPoint(), Score: h.Score})
	}
	return hits, nil
}
