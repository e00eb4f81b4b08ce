package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"github.com/chatrecall/chatrecall/internal/judge"
)

// DefaultRerankTopK bounds how many fused hits are sent to the judge.
const DefaultRerankTopK = 10

// Blend weights for the rerank score. Fixed by policy: the judge's
// grade refines the fused order, it does not replace it.
const (
	rerankFusedWeight = 0.5
	rerankGradeWeight = 0.5
)

// Reranker reorders the top-K fused hits using a relevance judge. It
// never filters: output membership and size always equal the input.
// Judge failures and malformed output fall back to the incoming order.
type Reranker struct {
	judge  judge.RelevanceJudge
	topK   int
	logger *slog.Logger
}

// NewReranker creates a reranker around the given judge.
func NewReranker(j judge.RelevanceJudge, topK int, logger *slog.Logger) *Reranker {
	if topK <= 0 || topK > DefaultRerankTopK {
		topK = DefaultRerankTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{judge: j, topK: topK, logger: logger}
}

// Rerank returns hits with the top-K reordered by the blended score.
// Entries past K keep their fused order.
func (r *Reranker) Rerank(ctx context.Context, question string, hits []FusedHit) []FusedHit {
	if r.judge == nil || len(hits) < 2 {
		return hits
	}

	k := r.topK
	if k > len(hits) {
		k = len(hits)
	}

	candidates := make([]string, k)
	for i := 0; i < k; i++ {
		candidates[i] = hits[i].DisplayText
	}

	grades, err := r.judge.Grade(ctx, question, candidates)
	if err != nil || len(grades) != k {
		// Fail open: the fused order is already serviceable.
		r.logger.Warn("rerank judge unavailable, keeping fused order",
			slog.Int("candidates", k),
			slog.Any("error", err))
		return hits
	}

	maxFused := hits[0].FusedScore
	for i := 1; i < k; i++ {
		if hits[i].FusedScore > maxFused {
			maxFused = hits[i].FusedScore
		}
	}

	type scored struct {
		hit   FusedHit
		blend float64
		orig  int
	}
	top := make([]scored, k)
	for i := 0; i < k; i++ {
		normFused := 0.0
		if maxFused > 0 {
			normFused = hits[i].FusedScore / maxFused
		}
		normGrade := float64(grades[i]) / float64(judge.GradeMax)
		top[i] = scored{
			hit:   hits[i],
			blend: rerankFusedWeight*normFused + rerankGradeWeight*normGrade,
			orig:  i,
		}
	}

	sort.SliceStable(top, func(i, j int) bool {
		if top[i].blend != top[j].blend {
			return top[i].blend > top[j].blend
		}
		return top[i].orig < top[j].orig
	})

	out := make([]FusedHit, len(hits))
	for i := 0; i < k; i++ {
		out[i] = top[i].hit
	}
	copy(out[k:], hits[k:])
	return out
}
