package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// MemoryStore is an exact brute-force VectorStore. It exists for tests
// and as the recall baseline the approximate backends are judged
// against; it keeps no state outside process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	dims   int
	parts  map[string]map[string]Record
	closed bool
}

var _ VectorStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(dimensions int) *MemoryStore {
	return &MemoryStore{
		dims:  dimensions,
		parts: make(map[string]map[string]Record),
	}
}

// Upsert implements VectorStore.
func (s *MemoryStore) Upsert(ctx context.Context, partition string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return recallerr.StorageError("memory store is closed", nil)
	}

	p, ok := s.parts[partition]
	if !ok {
		p = make(map[string]Record)
		s.parts[partition] = p
	}
	for _, r := range records {
		if len(r.Vector) != s.dims {
			return recallerr.New(recallerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected %d dimensions, got %d for key %s", s.dims, len(r.Vector), r.Key), nil)
		}
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		p[r.Key] = Record{Key: r.Key, Vector: vec, Payload: r.Payload}
	}
	return nil
}

// Query implements VectorStore. Scans the whole partition; fine for the
// sizes tests use.
func (s *MemoryStore) Query(ctx context.Context, partition string, vector []float32, limit int) ([]QueryHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, recallerr.StorageError("memory store is closed", nil)
	}
	if len(vector) != s.dims {
		return nil, recallerr.New(recallerr.ErrCodeDimensionMismatch,
			fmt.Sprintf("expected %d dimensions, got %d", s.dims, len(vector)), nil)
	}

	p, ok := s.parts[partition]
	if !ok || limit <= 0 {
		return []QueryHit{}, nil
	}

	hits := make([]QueryHit, 0, len(p))
	for _, r := range p {
		hits = append(hits, QueryHit{
			Key:        r.Key,
			Payload:    r.Payload,
			Similarity: CosineSimilarity(vector, r.Vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// DeleteAll implements VectorStore.
func (s *MemoryStore) DeleteAll(ctx context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return recallerr.StorageError("memory store is closed", nil)
	}
	delete(s.parts, partition)
	return nil
}

// Count implements VectorStore.
func (s *MemoryStore) Count(ctx context.Context, partition string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, recallerr.StorageError("memory store is closed", nil)
	}
	return len(s.parts[partition]), nil
}

// Partitions implements VectorStore.
func (s *MemoryStore) Partitions(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, recallerr.StorageError("memory store is closed", nil)
	}
	names := make([]string, 0, len(s.parts))
	for name := range s.parts {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close implements VectorStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.parts = nil
	return nil
}
