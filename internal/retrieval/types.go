// Package retrieval implements the foreground query path: hybrid
// multi-variant retrieval over the message and window indexes,
// reciprocal rank fusion, optional LLM reranking, and the confidence
// gate that tells callers whether the results are safe to ground on.
package retrieval

import (
	"github.com/chatrecall/chatrecall/internal/store"
)

// Hit is one raw nearest-neighbor result from a single
// (query variant, index) branch. Never persisted.
type Hit struct {
	// SourceKey identifies the record: the message id for the message
	// index, the window key for the window index.
	SourceKey string

	// DisplayText is the renderable content of the hit.
	DisplayText string

	// RawScore is the backend similarity for this branch.
	RawScore float32

	// OriginIndex is the index the hit came from.
	OriginIndex store.IndexKind

	// OriginQueryIndex is the variant that produced the hit (0 is the
	// original question).
	OriginQueryIndex int
}

// FusedHit is one deduplicated entry of the fused ranking.
type FusedHit struct {
	// SourceKey is the dedup key when available; hits that only match
	// by normalized text keep the first-seen key.
	SourceKey string

	// DisplayText is the first-seen text among merged hits.
	DisplayText string

	// FusedScore is the summed RRF contribution across every list the
	// hit appeared in.
	FusedScore float64

	// ContributingQueries lists the distinct variant indexes that
	// surfaced this hit, ascending.
	ContributingQueries []int

	// OriginIndexes lists the distinct indexes that surfaced this hit.
	OriginIndexes []store.IndexKind

	// BestRank is the best (smallest) original rank across lists.
	BestRank int
}

// Corroborated reports whether the hit was independently surfaced by
// two or more query variants or by both indexes.
func (h FusedHit) Corroborated() bool {
	return len(h.ContributingQueries) >= 2 || len(h.OriginIndexes) >= 2
}

// Level is the confidence verdict attached to a result set.
type Level string

const (
	LevelNone   Level = "none"
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// rankOf orders levels for monotonicity comparisons.
func (l Level) rank() int {
	switch l {
	case LevelHigh:
		return 3
	case LevelMedium:
		return 2
	case LevelLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is at least as confident as other.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// Confidence annotates a ranked result list. It never mutates the list.
type Confidence struct {
	Level  Level
	Reason string
}

// Result is the outcome of one Retrieve call.
type Result struct {
	// Hits is the final ranked, deduplicated list.
	Hits []FusedHit

	// Confidence tells the caller whether to answer, hedge, or refuse.
	// LevelNone means insufficient grounding, not an error.
	Confidence Confidence

	// TraceID correlates log lines of this retrieval.
	TraceID string
}
