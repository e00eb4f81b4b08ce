package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// Ollama defaults.
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultOllamaModel = "nomic-embed-text"
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	Host       string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration

	// SkipHealthCheck skips the startup probe. Dimensions must then be
	// set explicitly.
	SkipHealthCheck bool
}

// OllamaEmbedder generates embeddings through Ollama's /api/embed
// endpoint.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates the embedder and, unless skipped, probes
// the server to detect the embedding width.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     10 * time.Second,
	}

	e := &OllamaEmbedder{
		// No client-level timeout; each request carries a context
		// deadline so callers can scale it.
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		vecs, err := e.embed(probeCtx, []string{"ping"})
		if err != nil {
			transport.CloseIdleConnections()
			return nil, err
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			transport.CloseIdleConnections()
			return nil, recallerr.MalformedResponseError("ollama probe returned no embedding", nil)
		}
		if e.dims == 0 {
			e.dims = len(vecs[0])
		} else if e.dims != len(vecs[0]) {
			transport.CloseIdleConnections()
			return nil, recallerr.New(recallerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("model %s produces %d dimensions, configured for %d", cfg.Model, len(vecs[0]), e.dims), nil)
		}
	}
	if e.dims == 0 {
		return nil, recallerr.ConfigError("ollama dimensions unknown; set Dimensions or enable the health check", nil)
	}

	return e, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// embed performs one /api/embed call.
func (e *OllamaEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, recallerr.InternalError("encode embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.config.Host+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, recallerr.InternalError("build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, recallerr.New(recallerr.ErrCodeProviderTimeout, "ollama request timed out", err)
		}
		return nil, recallerr.New(recallerr.ErrCodeProviderUnavailable, "ollama unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &recallerr.RateLimitError{
			Provider:   "ollama",
			RetryAfter: retryAfterHeader(resp),
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, recallerr.New(recallerr.ErrCodeProviderUnavailable,
			fmt.Sprintf("ollama returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, recallerr.MalformedResponseError("decode embed response", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, recallerr.MalformedResponseError(
			fmt.Sprintf("ollama returned %d embeddings for %d inputs", len(out.Embeddings), len(texts)), nil)
	}

	for i, v := range out.Embeddings {
		out.Embeddings[i] = normalizeVector(v)
	}
	return out.Embeddings, nil
}

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder, splitting the input into
// BatchSize-bounded requests.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, recallerr.InternalError("ollama embedder is closed", nil)
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		vecs, err := e.embed(reqCtx, texts[start:end])
		cancel()
		if err != nil {
			return nil, recallerr.Wrap(recallerr.ErrCodeEmbeddingFailed, err)
		}
		results = append(results, vecs...)
	}
	return results, nil
}

// Dimensions implements Embedder.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dims
}

// ModelName implements Embedder.
func (e *OllamaEmbedder) ModelName() string {
	return "ollama/" + e.config.Model
}

// Available implements Embedder with a cheap version probe.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close implements Embedder.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		e.transport.CloseIdleConnections()
	}
	return nil
}

// retryAfterHeader parses the delay-seconds form of Retry-After.
func retryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
