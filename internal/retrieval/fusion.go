package retrieval

import (
	"sort"
	"strings"

	"github.com/chatrecall/chatrecall/internal/store"
)

// DefaultRRFK is the default reciprocal rank fusion smoothing constant.
const DefaultRRFK = 60

// normalizeText produces the dedup form of a display text: lowercased
// with whitespace runs collapsed.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// dedupKey prefers the stable source key and falls back to normalized
// text for records that lack one.
func dedupKey(h Hit) string {
	if h.SourceKey != "" {
		return string(h.OriginIndex) + "\x00" + h.SourceKey
	}
	return "text\x00" + normalizeText(h.DisplayText)
}

// fusedAccumulator tracks one entry while lists are being merged.
type fusedAccumulator struct {
	hit          FusedHit
	queries      map[int]bool
	indexes      map[store.IndexKind]bool
	firstQuery   int
	textKey      string
	arrivalOrder int
}

// ApplyRRFFusion merges per-(variant, index) ranked lists into one
// ordered, deduplicated list using Reciprocal Rank Fusion.
//
// A hit at 0-based rank r in one list contributes 1/(k+r+1). Entries
// are deduplicated by source key within an index, and additionally by
// normalized display text across lists, with the first-seen text kept.
// The sort is fully deterministic: fused score descending, then
// earliest contributing query, then best original rank, then source
// key.
func ApplyRRFFusion(lists [][]Hit, k int) []FusedHit {
	if k <= 0 {
		k = DefaultRRFK
	}

	byKey := make(map[string]*fusedAccumulator)
	byText := make(map[string]*fusedAccumulator)
	order := 0

	for _, list := range lists {
		for rank, h := range list {
			textKey := normalizeText(h.DisplayText)

			acc, ok := byKey[dedupKey(h)]
			if !ok {
				// Same content surfaced under a different key (e.g. a
				// message echoed by a window) still merges.
				acc, ok = byText[textKey]
			}
			if !ok {
				acc = &fusedAccumulator{
					hit: FusedHit{
						SourceKey:   h.SourceKey,
						DisplayText: h.DisplayText,
						BestRank:    rank,
					},
					queries:      make(map[int]bool),
					indexes:      make(map[store.IndexKind]bool),
					firstQuery:   h.OriginQueryIndex,
					textKey:      textKey,
					arrivalOrder: order,
				}
				order++
				byKey[dedupKey(h)] = acc
				byText[textKey] = acc
			}

			acc.hit.FusedScore += 1 / float64(k+rank+1)
			acc.queries[h.OriginQueryIndex] = true
			acc.indexes[h.OriginIndex] = true
			if h.OriginQueryIndex < acc.firstQuery {
				acc.firstQuery = h.OriginQueryIndex
			}
			if rank < acc.hit.BestRank {
				acc.hit.BestRank = rank
			}
		}
	}

	accs := make([]*fusedAccumulator, 0, len(byText))
	seen := make(map[*fusedAccumulator]bool)
	for _, acc := range byText {
		if !seen[acc] {
			seen[acc] = true
			accs = append(accs, acc)
		}
	}

	for _, acc := range accs {
		for q := range acc.queries {
			acc.hit.ContributingQueries = append(acc.hit.ContributingQueries, q)
		}
		sort.Ints(acc.hit.ContributingQueries)
		for kind := range acc.indexes {
			acc.hit.OriginIndexes = append(acc.hit.OriginIndexes, kind)
		}
		sort.Slice(acc.hit.OriginIndexes, func(i, j int) bool {
			return acc.hit.OriginIndexes[i] < acc.hit.OriginIndexes[j]
		})
	}

	sort.Slice(accs, func(i, j int) bool {
		a, b := accs[i], accs[j]
		if a.hit.FusedScore != b.hit.FusedScore {
			return a.hit.FusedScore > b.hit.FusedScore
		}
		if a.firstQuery != b.firstQuery {
			return a.firstQuery < b.firstQuery
		}
		if a.hit.BestRank != b.hit.BestRank {
			return a.hit.BestRank < b.hit.BestRank
		}
		return a.arrivalOrder < b.arrivalOrder
	})

	fused := make([]FusedHit, len(accs))
	for i, acc := range accs {
		fused[i] = acc.hit
	}
	return fused
}
