package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// StaticEmbedder generates deterministic hash-based embeddings. It
// needs no network or model download, so it backs tests and the
// offline degraded mode. Semantic quality is accordingly limited.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// chatStopWords are filler tokens common in chat logs that carry no
// retrieval signal.
var chatStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"is": true, "are": true, "was": true, "to": true, "of": true,
	"in": true, "on": true, "it": true, "that": true, "this": true,
	"ok": true, "okay": true, "yeah": true, "yes": true, "no": true,
	"lol": true, "haha": true, "hey": true, "hi": true, "thanks": true,
}

const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewStaticEmbedder creates a static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed implements Embedder.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, recallerr.InternalError("static embedder is closed", nil)
	}
	e.mu.RUnlock()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}
	return normalizeVector(e.generateVector(trimmed)), nil
}

// EmbedBatch implements Embedder.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions implements Embedder.
func (e *StaticEmbedder) Dimensions() int {
	return StaticDimensions
}

// ModelName implements Embedder.
func (e *StaticEmbedder) ModelName() string {
	return "static-hash"
}

// Available implements Embedder. The static embedder is always ready.
func (e *StaticEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close implements Embedder.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// generateVector hashes tokens and character n-grams into buckets.
// Tokens dominate; n-grams add partial-match signal for typos and
// inflected forms.
func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, StaticDimensions)

	tokens := tokenize(text)
	for _, token := range tokens {
		if chatStopWords[token] {
			continue
		}
		vector[hashToIndex(token, StaticDimensions)] += tokenWeight

		for i := 0; i+ngramSize <= len(token); i++ {
			gram := token[i : i+ngramSize]
			vector[hashToIndex(gram, StaticDimensions)] += ngramWeight
		}
	}
	return vector
}

func tokenize(text string) []string {
	return tokenRegex.FindAllString(strings.ToLower(text), -1)
}

func hashToIndex(s string, buckets int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(buckets))
}
