package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

func ollamaServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestOllamaEmbedder_DetectsDimensionsFromProbe(t *testing.T) {
	host := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		out := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			out.Embeddings[i] = []float32{1, 0, 0}
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	})

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{Host: host})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	assert.Equal(t, 3, e.Dimensions())
	assert.Equal(t, "ollama/"+DefaultOllamaModel, e.ModelName())

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDelta(t, 1.0, vectorNorm(vecs[0]), 1e-5, "responses are normalized")
}

func TestOllamaEmbedder_SplitsBatches(t *testing.T) {
	var sizes []int
	host := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sizes = append(sizes, len(req.Input))

		out := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			out.Embeddings[i] = []float32{0, 1}
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	})

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:            host,
		Dimensions:      2,
		BatchSize:       2,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestOllamaEmbedder_CountMismatchIsMalformed(t *testing.T) {
	host := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embeddings: [][]float32{{1, 0}},
		}))
	})

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: host, Dimensions: 2, SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	_, err = e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)

	var re *recallerr.RecallError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, recallerr.ErrCodeMalformedResponse, recallerr.GetCode(re.Cause))
}

func TestOllamaEmbedder_RateLimited(t *testing.T) {
	host := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: host, Dimensions: 2, SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	_, err = e.Embed(context.Background(), "a")
	require.Error(t, err)

	rl, ok := recallerr.AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, "ollama", rl.Provider)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
}

func TestOllamaEmbedder_RequiresDimensionsWithoutProbe(t *testing.T) {
	_, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:            "http://localhost:11434",
		SkipHealthCheck: true,
	})
	require.Error(t, err)
	assert.Equal(t, recallerr.ErrCodeConfigInvalid, recallerr.GetCode(err))
}

func TestOllamaEmbedder_Available(t *testing.T) {
	host := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/version" {
			_, _ = w.Write([]byte(`{"version":"0.5.0"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host: host, Dimensions: 2, SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	assert.True(t, e.Available(context.Background()))
}
