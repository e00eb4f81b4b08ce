package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

func TestPartitionNaming(t *testing.T) {
	assert.Equal(t, "messages/team-chat", Partition(IndexMessages, "team-chat"))
	assert.Equal(t, "windows/team-chat", Partition(IndexWindows, "team-chat"))

	// Characters foreign to Qdrant collection names are mapped away.
	assert.Equal(t, "messages/a_b_c", Partition(IndexMessages, "a/b c"))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 0}))
}

// newStoreFuncs returns constructors for every local VectorStore
// implementation so the behavioral suite runs against each.
func newStoreFuncs(t *testing.T) map[string]func() VectorStore {
	return map[string]func() VectorStore{
		"memory": func() VectorStore {
			return NewMemoryStore(4)
		},
		"hnsw": func() VectorStore {
			s, err := NewHNSWStore(HNSWConfig{Dimensions: 4})
			require.NoError(t, err)
			return s
		},
	}
}

func TestVectorStore_UpsertAndQuery(t *testing.T) {
	for name, newStore := range newStoreFuncs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer func() { _ = s.Close() }()

			part := Partition(IndexMessages, "c1")
			err := s.Upsert(ctx, part, []Record{
				{Key: "1", Vector: []float32{1, 0, 0, 0}, Payload: Payload{SourceKey: 1, DisplayText: "one"}},
				{Key: "2", Vector: []float32{0.9, 0.1, 0, 0}, Payload: Payload{SourceKey: 2, DisplayText: "two"}},
				{Key: "3", Vector: []float32{0, 1, 0, 0}, Payload: Payload{SourceKey: 3, DisplayText: "three"}},
			})
			require.NoError(t, err)

			hits, err := s.Query(ctx, part, []float32{1, 0, 0, 0}, 2)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.Equal(t, "1", hits[0].Key)
			assert.Equal(t, "two", hits[1].Payload.DisplayText)
			assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
		})
	}
}

func TestVectorStore_UnknownPartitionIsEmpty(t *testing.T) {
	for name, newStore := range newStoreFuncs(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			defer func() { _ = s.Close() }()

			hits, err := s.Query(context.Background(), "messages/nope", []float32{1, 0, 0, 0}, 5)
			require.NoError(t, err)
			assert.Empty(t, hits)

			n, err := s.Count(context.Background(), "messages/nope")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestVectorStore_UpsertReplacesByKey(t *testing.T) {
	for name, newStore := range newStoreFuncs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer func() { _ = s.Close() }()

			part := Partition(IndexWindows, "c1")
			require.NoError(t, s.Upsert(ctx, part, []Record{
				{Key: "w1", Vector: []float32{1, 0, 0, 0}, Payload: Payload{DisplayText: "old"}},
			}))
			require.NoError(t, s.Upsert(ctx, part, []Record{
				{Key: "w1", Vector: []float32{0, 0, 1, 0}, Payload: Payload{DisplayText: "new"}},
			}))

			n, err := s.Count(ctx, part)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			hits, err := s.Query(ctx, part, []float32{0, 0, 1, 0}, 5)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "new", hits[0].Payload.DisplayText)
		})
	}
}

func TestVectorStore_DimensionMismatch(t *testing.T) {
	for name, newStore := range newStoreFuncs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer func() { _ = s.Close() }()

			err := s.Upsert(ctx, "messages/c1", []Record{
				{Key: "1", Vector: []float32{1, 0}},
			})
			require.Error(t, err)
			assert.Equal(t, recallerr.ErrCodeDimensionMismatch, recallerr.GetCode(err))

			_, err = s.Query(ctx, "messages/c1", []float32{1}, 3)
			require.Error(t, err)
			assert.Equal(t, recallerr.ErrCodeDimensionMismatch, recallerr.GetCode(err))
		})
	}
}

func TestVectorStore_DeleteAllAndPartitions(t *testing.T) {
	for name, newStore := range newStoreFuncs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			defer func() { _ = s.Close() }()

			rec := []Record{{Key: "1", Vector: []float32{1, 0, 0, 0}}}
			require.NoError(t, s.Upsert(ctx, Partition(IndexMessages, "c1"), rec))
			require.NoError(t, s.Upsert(ctx, Partition(IndexMessages, "c2"), rec))
			require.NoError(t, s.Upsert(ctx, Partition(IndexWindows, "c1"), rec))

			parts, err := s.Partitions(ctx, string(IndexMessages))
			require.NoError(t, err)
			assert.Equal(t, []string{"messages/c1", "messages/c2"}, parts)

			require.NoError(t, s.DeleteAll(ctx, Partition(IndexMessages, "c1")))
			parts, err = s.Partitions(ctx, string(IndexMessages))
			require.NoError(t, err)
			assert.Equal(t, []string{"messages/c2"}, parts)

			// Other index kinds are untouched.
			n, err := s.Count(ctx, Partition(IndexWindows, "c1"))
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestHNSWStore_PersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index", "vectors.gob")

	s, err := NewHNSWStore(HNSWConfig{Dimensions: 4, Path: path})
	require.NoError(t, err)

	part := Partition(IndexMessages, "c1")
	require.NoError(t, s.Upsert(ctx, part, []Record{
		{Key: "1", Vector: []float32{1, 0, 0, 0}, Payload: Payload{SourceKey: 1, DisplayText: "hello"}},
		{Key: "2", Vector: []float32{0, 1, 0, 0}, Payload: Payload{SourceKey: 2, DisplayText: "world"}},
	}))
	require.NoError(t, s.Close())

	reopened, err := NewHNSWStore(HNSWConfig{Dimensions: 4, Path: path})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	n, err := reopened.Count(ctx, part)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := reopened.Query(ctx, part, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "hello", hits[0].Payload.DisplayText)
	assert.Equal(t, int64(1), hits[0].Payload.SourceKey)
}

func TestHNSWStore_DimensionChangeIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.gob")

	s, err := NewHNSWStore(HNSWConfig{Dimensions: 4, Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), "messages/c1",
		[]Record{{Key: "1", Vector: []float32{1, 0, 0, 0}}}))
	require.NoError(t, s.Close())

	_, err = NewHNSWStore(HNSWConfig{Dimensions: 8, Path: path})
	require.Error(t, err)
	assert.Equal(t, recallerr.ErrCodeCorruptIndex, recallerr.GetCode(err))
}

func TestVectorStore_ClosedStoreErrors(t *testing.T) {
	s := NewMemoryStore(4)
	require.NoError(t, s.Close())

	err := s.Upsert(context.Background(), "messages/c1",
		[]Record{{Key: "1", Vector: []float32{1, 0, 0, 0}}})
	require.Error(t, err)
	assert.Equal(t, recallerr.ErrCodeStoreIO, recallerr.GetCode(err))
}
