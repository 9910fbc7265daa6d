package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectoratlas/via/internal/via"
)

// fakeNode is a minimal Qdrant stand-in: canned responses per path suffix,
// recording every request path.
type fakeNode struct {
	mu        sync.Mutex
	paths     []string
	responses map[string]func(w http.ResponseWriter)
}

func newFakeNode() *fakeNode {
	return &fakeNode{responses: map[string]func(w http.ResponseWriter){}}
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	n.paths = append(n.paths, r.URL.Path)
	n.mu.Unlock()
	for suffix, respond := range n.responses {
		if strings.HasSuffix(r.URL.Path, suffix) {
			respond(w)
			return
		}
	}
	w.Write([]byte(`{"result": {}}`))
}

func (n *fakeNode) sawPath(suffix string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.paths {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

func respondJSON(body any) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestSearchGroupsWithoutVectorUsesScroll(t *testing.T) {
	node := newFakeNode()
	node.responses["/points/scroll"] = respondJSON(map[string]any{
		"result": map[string]any{
			"points": []map[string]any{
				{"id": "a1", "payload": map[string]any{"rhythm_hash": "11", "count": 3}},
				{"id": "a2", "payload": map[string]any{"rhythm_hash": "22", "count": 5}},
				{"id": "a3", "payload": map[string]any{"rhythm_hash": "11", "count": 4}},
			},
			"next_page_offset": nil,
		},
	})
	srv := httptest.NewServer(node)
	defer srv.Close()

	q := NewQdrant(srv.URL)
	groups, err := q.SearchGroups(context.Background(), "forensic_2026_08_24", "dense",
		nil, nil, "rhythm_hash", 1, 10)
	require.NoError(t, err)

	assert.True(t, node.sawPath("/points/scroll"))
	assert.False(t, node.sawPath("/points/search/groups"),
		"a nil query vector must never reach the search API")

	require.Len(t, groups, 2)
	byKey := map[string]Group{}
	for _, g := range groups {
		byKey[g.Key] = g
	}
	require.Len(t, byKey["11"].Hits, 1, "group_size 1 keeps one hit per class")
	assert.Equal(t, "a1", byKey["11"].Hits[0].ID)
	assert.Equal(t, "a2", byKey["22"].Hits[0].ID)
}

func TestScrollGroupsHonorsGroupLimit(t *testing.T) {
	node := newFakeNode()
	node.responses["/points/scroll"] = respondJSON(map[string]any{
		"result": map[string]any{
			"points": []map[string]any{
				{"id": "a", "payload": map[string]any{"rhythm_hash": "1"}},
				{"id": "b", "payload": map[string]any{"rhythm_hash": "2"}},
				{"id": "c", "payload": map[string]any{"rhythm_hash": "3"}},
			},
			"next_page_offset": nil,
		},
	})
	srv := httptest.NewServer(node)
	defer srv.Close()

	groups, err := NewQdrant(srv.URL).SearchGroups(context.Background(), "c", "dense",
		nil, nil, "rhythm_hash", 1, 2)
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}

func TestClientRejectionMapsToBadRequest(t *testing.T) {
	node := newFakeNode()
	node.responses["/points/recommend"] = func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status": {"error": "No point with id"}}`))
	}
	srv := httptest.NewServer(node)
	defer srv.Close()

	_, err := NewQdrant(srv.URL).Recommend(context.Background(), "c", "dense",
		[]string{"missing"}, nil, nil, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, via.ErrBadRequest),
		"4xx must carry the same error kind as the in-process engine")
	assert.False(t, errors.Is(err, via.ErrBackendUnavailable))
}

func TestServerFailureMapsToBackendUnavailable(t *testing.T) {
	node := newFakeNode()
	node.responses["/points/count"] = func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	srv := httptest.NewServer(node)
	defer srv.Close()

	_, err := NewQdrant(srv.URL).Count(context.Background(), "c", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, via.ErrBackendUnavailable))
}
