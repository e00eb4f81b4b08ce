package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coder/hnsw"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// HNSWConfig tunes the local vector store.
type HNSWConfig struct {
	// Dimensions is the embedding width. All records must match.
	Dimensions int

	// M is the HNSW connectivity parameter.
	M int

	// EfSearch controls the search beam width.
	EfSearch int

	// Path is the snapshot file. Empty means in-memory only.
	Path string
}

// hnswPartition is one independent graph plus its key bookkeeping.
// coder/hnsw keys nodes by uint64, so every string record key gets a
// monotonically assigned internal key. Replaced records are orphaned in
// the graph rather than deleted; deleting the last node corrupts the
// graph in coder/hnsw, so orphans are filtered out at query time.
type hnswPartition struct {
	graph    *hnsw.Graph[uint64]
	idMap    map[string]uint64
	keyMap   map[uint64]string
	vectors  map[string][]float32
	payloads map[string]Payload
	nextKey  uint64
}

// HNSWStore is the default local VectorStore. Each partition owns its
// own graph, so conversations never share a candidate pool and DeleteAll
// is a map delete rather than a graph rebuild.
type HNSWStore struct {
	mu     sync.RWMutex
	cfg    HNSWConfig
	parts  map[string]*hnswPartition
	closed bool
}

var _ VectorStore = (*HNSWStore)(nil)

// hnswSnapshot is the gob-encoded persistence format. Graphs are cheap
// to rebuild from normalized vectors, so only records are persisted.
type hnswSnapshot struct {
	Dimensions int
	Partitions map[string][]Record
}

// NewHNSWStore creates the store and loads a snapshot from cfg.Path if
// one exists. A corrupt snapshot is an ERR_202 fatal; the caller decides
// whether to clear and reindex.
func NewHNSWStore(cfg HNSWConfig) (*HNSWStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, recallerr.ValidationError("hnsw store requires positive dimensions", nil)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	s := &HNSWStore{
		cfg:   cfg,
		parts: make(map[string]*hnswPartition),
	}

	if cfg.Path != "" {
		if err := s.load(cfg.Path); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *HNSWStore) newPartition() *hnswPartition {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = s.cfg.M
	graph.EfSearch = s.cfg.EfSearch
	graph.Ml = 0.25
	return &hnswPartition{
		graph:    graph,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		vectors:  make(map[string][]float32),
		payloads: make(map[string]Payload),
	}
}

// Upsert implements VectorStore.
func (s *HNSWStore) Upsert(ctx context.Context, partition string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if len(r.Vector) != s.cfg.Dimensions {
			return recallerr.New(recallerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected %d dimensions, got %d for key %s", s.cfg.Dimensions, len(r.Vector), r.Key), nil)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return recallerr.StorageError("hnsw store is closed", nil)
	}

	p, ok := s.parts[partition]
	if !ok {
		p = s.newPartition()
		s.parts[partition] = p
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		if oldKey, exists := p.idMap[r.Key]; exists {
			// Orphan the old node instead of deleting it.
			delete(p.keyMap, oldKey)
			delete(p.idMap, r.Key)
		}

		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		normalizeInPlace(vec)

		key := p.nextKey
		p.nextKey++
		p.graph.Add(hnsw.MakeNode(key, vec))

		p.idMap[r.Key] = key
		p.keyMap[key] = r.Key
		p.vectors[r.Key] = vec
		p.payloads[r.Key] = r.Payload
	}

	return nil
}

// Query implements VectorStore.
func (s *HNSWStore) Query(ctx context.Context, partition string, vector []float32, limit int) ([]QueryHit, error) {
	if len(vector) != s.cfg.Dimensions {
		return nil, recallerr.New(recallerr.ErrCodeDimensionMismatch,
			fmt.Sprintf("expected %d dimensions, got %d", s.cfg.Dimensions, len(vector)), nil)
	}
	if limit <= 0 {
		return []QueryHit{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, recallerr.StorageError("hnsw store is closed", nil)
	}

	p, ok := s.parts[partition]
	if !ok || p.graph.Len() == 0 {
		return []QueryHit{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeInPlace(query)

	// Over-fetch to absorb orphaned nodes from replaced records.
	orphans := p.graph.Len() - len(p.idMap)
	nodes := p.graph.Search(query, limit+orphans)

	hits := make([]QueryHit, 0, limit)
	for _, node := range nodes {
		id, live := p.keyMap[node.Key]
		if !live {
			continue
		}
		hits = append(hits, QueryHit{
			Key:        id,
			Payload:    p.payloads[id],
			Similarity: CosineSimilarity(query, node.Value),
		})
		if len(hits) == limit {
			break
		}
	}

	return hits, nil
}

// DeleteAll implements VectorStore.
func (s *HNSWStore) DeleteAll(ctx context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return recallerr.StorageError("hnsw store is closed", nil)
	}
	delete(s.parts, partition)
	return nil
}

// Count implements VectorStore.
func (s *HNSWStore) Count(ctx context.Context, partition string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, recallerr.StorageError("hnsw store is closed", nil)
	}
	p, ok := s.parts[partition]
	if !ok {
		return 0, nil
	}
	return len(p.idMap), nil
}

// Partitions implements VectorStore.
func (s *HNSWStore) Partitions(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, recallerr.StorageError("hnsw store is closed", nil)
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

// Save writes a snapshot atomically (temp file plus rename).
func (s *HNSWStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *HNSWStore) saveLocked() error {
	if s.cfg.Path == "" {
		return nil
	}
	if s.closed {
		return recallerr.StorageError("hnsw store is closed", nil)
	}

	snap := hnswSnapshot{
		Dimensions: s.cfg.Dimensions,
		Partitions: make(map[string][]Record, len(s.parts)),
	}
	for name, p := range s.parts {
		records := make([]Record, 0, len(p.idMap))
		for id := range p.idMap {
			records = append(records, Record{
				Key:     id,
				Vector:  p.vectors[id],
				Payload: p.payloads[id],
			})
		}
		snap.Partitions[name] = records
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return recallerr.StorageError("create index directory", err)
	}

	tmp := s.cfg.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return recallerr.StorageError("create index snapshot", err)
	}
	w := bufio.NewWriter(f)
	if err := gob.NewEncoder(w).Encode(snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return recallerr.StorageError("encode index snapshot", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return recallerr.StorageError("flush index snapshot", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return recallerr.StorageError("close index snapshot", err)
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		os.Remove(tmp)
		return recallerr.StorageError("replace index snapshot", err)
	}
	return nil
}

// load rebuilds graphs from a snapshot. Vectors were normalized before
// persisting, so they are inserted as is.
func (s *HNSWStore) load(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return recallerr.StorageError("open index snapshot", err)
	}
	defer f.Close()

	var snap hnswSnapshot
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&snap); err != nil {
		return recallerr.New(recallerr.ErrCodeCorruptIndex,
			fmt.Sprintf("index snapshot %s is unreadable", path), err)
	}
	if snap.Dimensions != s.cfg.Dimensions {
		return recallerr.New(recallerr.ErrCodeCorruptIndex,
			fmt.Sprintf("index snapshot has %d dimensions, store configured for %d", snap.Dimensions, s.cfg.Dimensions), nil)
	}

	for name, records := range snap.Partitions {
		p := s.newPartition()
		for _, r := range records {
			key := p.nextKey
			p.nextKey++
			p.graph.Add(hnsw.MakeNode(key, r.Vector))
			p.idMap[r.Key] = key
			p.keyMap[key] = r.Key
			p.vectors[r.Key] = r.Vector
			p.payloads[r.Key] = r.Payload
		}
		s.parts[name] = p
	}
	return nil
}

// Close saves a final snapshot and marks the store unusable.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.saveLocked()
	s.closed = true
	s.parts = nil
	return err
}
