package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// QdrantConfig configures the remote vector store.
type QdrantConfig struct {
	// URL is the Qdrant base URL, e.g. http://localhost:6333.
	URL string

	// APIKey is sent as the api-key header when non-empty.
	APIKey string

	// CollectionPrefix namespaces this deployment's collections.
	CollectionPrefix string

	// Dimensions is the embedding width used when creating collections.
	Dimensions int

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// QdrantStore is a VectorStore backed by Qdrant's REST API. Each
// partition maps to one collection with cosine distance. The client is
// deliberately minimal; it speaks plain HTTP so the server version only
// has to support the stable points API.
type QdrantStore struct {
	cfg    QdrantConfig
	client *http.Client

	mu      sync.Mutex
	created map[string]bool
}

var _ VectorStore = (*QdrantStore)(nil)

// NewQdrantStore creates the client. No network traffic happens until
// the first operation.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.URL == "" {
		return nil, recallerr.ConfigError("qdrant url is required", nil)
	}
	if cfg.Dimensions <= 0 {
		return nil, recallerr.ConfigError("qdrant store requires positive dimensions", nil)
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = "chatrecall_"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &QdrantStore{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		created: make(map[string]bool),
	}, nil
}

// collection maps a partition name onto a Qdrant collection name.
func (s *QdrantStore) collection(partition string) string {
	return s.cfg.CollectionPrefix + strings.ReplaceAll(partition, "/", "_")
}

// partitionFromCollection inverts collection for the known two-segment
// partition scheme ("kind/conversation").
func (s *QdrantStore) partitionFromCollection(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, s.cfg.CollectionPrefix)
	if !ok {
		return "", false
	}
	kind, conv, ok := strings.Cut(rest, "_")
	if !ok {
		return "", false
	}
	return kind + "/" + conv, true
}

// pointID derives a deterministic UUID from the record key so upserts
// of the same key replace the existing point.
func pointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// ensureCollection creates the collection if this client has not seen
// it yet. Qdrant returns 409 when it already exists, which is fine.
func (s *QdrantStore) ensureCollection(ctx context.Context, partition string) error {
	s.mu.Lock()
	known := s.created[partition]
	s.mu.Unlock()
	if known {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.Dimensions,
			"distance": "Cosine",
		},
	}
	status, _, err := s.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s", s.collection(partition)), body)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusConflict {
		return recallerr.StorageError(fmt.Sprintf("qdrant create collection returned %d", status), nil)
	}

	s.mu.Lock()
	s.created[partition] = true
	s.mu.Unlock()
	return nil
}

// Upsert implements VectorStore.
func (s *QdrantStore) Upsert(ctx context.Context, partition string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if len(r.Vector) != s.cfg.Dimensions {
			return recallerr.New(recallerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected %d dimensions, got %d for key %s", s.cfg.Dimensions, len(r.Vector), r.Key), nil)
		}
	}
	if err := s.ensureCollection(ctx, partition); err != nil {
		return err
	}

	points := make([]map[string]any, len(records))
	for i, r := range records {
		points[i] = map[string]any{
			"id":     pointID(r.Key),
			"vector": r.Vector,
			"payload": map[string]any{
				"key":             r.Key,
				"conversation_id": r.Payload.ConversationID,
				"source_key":      r.Payload.SourceKey,
				"display_text":    r.Payload.DisplayText,
				"author_name":     r.Payload.AuthorName,
				"timestamp":       r.Payload.Timestamp,
			},
		}
	}
	status, _, err := s.do(ctx, http.MethodPut,
		fmt.Sprintf("/collections/%s/points?wait=true", s.collection(partition)),
		map[string]any{"points": points})
	if err != nil {
		return err
	}
	if status >= 300 {
		return recallerr.StorageError(fmt.Sprintf("qdrant upsert returned %d", status), nil)
	}
	return nil
}

// Query implements VectorStore. An unknown collection (404) yields an
// empty result so unindexed conversations degrade instead of failing.
func (s *QdrantStore) Query(ctx context.Context, partition string, vector []float32, limit int) ([]QueryHit, error) {
	if len(vector) != s.cfg.Dimensions {
		return nil, recallerr.New(recallerr.ErrCodeDimensionMismatch,
			fmt.Sprintf("expected %d dimensions, got %d", s.cfg.Dimensions, len(vector)), nil)
	}
	if limit <= 0 {
		return []QueryHit{}, nil
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	var out struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	status, body, err := s.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/search", s.collection(partition)), req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return []QueryHit{}, nil
	}
	if status >= 300 {
		return nil, recallerr.StorageError(fmt.Sprintf("qdrant search returned %d", status), nil)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, recallerr.MalformedResponseError("qdrant search response", err)
	}

	hits := make([]QueryHit, 0, len(out.Result))
	for _, r := range out.Result {
		hit := QueryHit{Similarity: float32(r.Score)}
		if v, ok := r.Payload["key"].(string); ok {
			hit.Key = v
		}
		if v, ok := r.Payload["conversation_id"].(string); ok {
			hit.Payload.ConversationID = v
		}
		if v, ok := r.Payload["source_key"].(float64); ok {
			hit.Payload.SourceKey = int64(v)
		}
		if v, ok := r.Payload["display_text"].(string); ok {
			hit.Payload.DisplayText = v
		}
		if v, ok := r.Payload["author_name"].(string); ok {
			hit.Payload.AuthorName = v
		}
		if v, ok := r.Payload["timestamp"].(float64); ok {
			hit.Payload.Timestamp = int64(v)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteAll implements VectorStore by dropping the collection.
func (s *QdrantStore) DeleteAll(ctx context.Context, partition string) error {
	status, _, err := s.do(ctx, http.MethodDelete,
		fmt.Sprintf("/collections/%s", s.collection(partition)), nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusNotFound {
		return recallerr.StorageError(fmt.Sprintf("qdrant delete collection returned %d", status), nil)
	}
	s.mu.Lock()
	delete(s.created, partition)
	s.mu.Unlock()
	return nil
}

// Count implements VectorStore.
func (s *QdrantStore) Count(ctx context.Context, partition string) (int, error) {
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	status, body, err := s.do(ctx, http.MethodPost,
		fmt.Sprintf("/collections/%s/points/count", s.collection(partition)),
		map[string]any{"exact": true})
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, nil
	}
	if status >= 300 {
		return 0, recallerr.StorageError(fmt.Sprintf("qdrant count returned %d", status), nil)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, recallerr.MalformedResponseError("qdrant count response", err)
	}
	return out.Result.Count, nil
}

// Partitions implements VectorStore.
func (s *QdrantStore) Partitions(ctx context.Context, prefix string) ([]string, error) {
	var out struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	status, body, err := s.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, recallerr.StorageError(fmt.Sprintf("qdrant list collections returned %d", status), nil)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, recallerr.MalformedResponseError("qdrant collections response", err)
	}

	var names []string
	for _, c := range out.Result.Collections {
		if partition, ok := s.partitionFromCollection(c.Name); ok && strings.HasPrefix(partition, prefix) {
			names = append(names, partition)
		}
	}
	return names, nil
}

// Close implements VectorStore. The HTTP client holds no resources
// worth releasing.
func (s *QdrantStore) Close() error {
	return nil
}

// do performs one request and returns status plus body. Transport
// failures map to ERR_303, timeouts to ERR_302, and 429 responses to a
// RateLimitError carrying the server's Retry-After.
func (s *QdrantStore) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, recallerr.InternalError("encode qdrant request", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.URL+path, payload)
	if err != nil {
		return 0, nil, recallerr.InternalError("build qdrant request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, recallerr.New(recallerr.ErrCodeProviderTimeout, "qdrant request timed out", err)
		}
		return 0, nil, recallerr.New(recallerr.ErrCodeProviderUnavailable, "qdrant unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, recallerr.MalformedResponseError("read qdrant response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, data, &recallerr.RateLimitError{
			Provider:   "qdrant",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.StatusCode, data, nil
}

// parseRetryAfter handles the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
