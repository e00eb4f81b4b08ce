// Package store holds the persistence layer: the vector stores backing
// the message and window indexes, and the SQLite message store that is
// the source of truth for raw conversation history.
package store

import (
	"context"
	"math"
	"strings"
)

// IndexKind names one of the two vector indexes.
type IndexKind string

const (
	// IndexMessages holds one vector per individual message.
	IndexMessages IndexKind = "messages"

	// IndexWindows holds one vector per dialog window.
	IndexWindows IndexKind = "windows"
)

// Partition returns the partition name for an index kind within a
// conversation. Partitions isolate conversations from each other so a
// purge can drop one conversation without touching the rest.
func Partition(kind IndexKind, conversationID string) string {
	return string(kind) + "/" + sanitizePartition(conversationID)
}

// sanitizePartition maps a conversation ID onto the character set all
// backends accept (Qdrant collection names reject slashes and spaces).
func sanitizePartition(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// Payload is the metadata stored alongside each vector. It carries
// everything retrieval needs to render a hit without a second lookup.
type Payload struct {
	ConversationID string `json:"conversation_id"`
	SourceKey      int64  `json:"source_key"`
	DisplayText    string `json:"display_text"`
	AuthorName     string `json:"author_name,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}

// Record is one vector plus payload keyed by a stable string ID.
// Upserting the same key replaces the previous record.
type Record struct {
	Key     string
	Vector  []float32
	Payload Payload
}

// QueryHit is one nearest-neighbor result. Similarity is cosine
// similarity in [-1, 1]; higher is closer.
type QueryHit struct {
	Key        string
	Payload    Payload
	Similarity float32
}

// VectorStore is the index backend. Implementations must be safe for
// concurrent use. Partitions are created implicitly on first Upsert.
type VectorStore interface {
	// Upsert inserts or replaces records in the partition.
	Upsert(ctx context.Context, partition string, records []Record) error

	// Query returns up to limit nearest neighbors in the partition,
	// best first. An unknown partition yields an empty result, not an
	// error, so retrieval can run against conversations that have not
	// been indexed yet.
	Query(ctx context.Context, partition string, vector []float32, limit int) ([]QueryHit, error)

	// DeleteAll drops the partition and every record in it.
	DeleteAll(ctx context.Context, partition string) error

	// Count reports how many records the partition holds.
	Count(ctx context.Context, partition string) (int, error)

	// Partitions lists partition names with the given prefix.
	Partitions(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources. The store must not be used afterwards.
	Close() error
}

// CosineSimilarity computes the cosine of the angle between a and b.
// Returns 0 for zero-length or mismatched vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// normalizeInPlace scales v to unit length. Zero vectors are left as is.
func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
