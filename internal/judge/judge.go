// Package judge provides the optional LLM relevance judge used by the
// reranking stage. The judge grades candidate passages against the
// question on a small integer scale; callers blend the grades into
// fused scores and fail open when the judge is unavailable.
package judge

import "context"

// Grade bounds. Grades outside the range are clamped by callers.
const (
	GradeMin = 0
	GradeMax = 3
)

// RelevanceJudge grades how well each candidate answers the question.
type RelevanceJudge interface {
	// Grade returns one grade in [GradeMin, GradeMax] per candidate,
	// in input order.
	Grade(ctx context.Context, question string, candidates []string) ([]int, error)

	// Available reports whether the judge is ready to serve.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// NoopJudge grades everything at the midpoint. Used when reranking is
// disabled; the blend then preserves the fused order.
type NoopJudge struct{}

var _ RelevanceJudge = (*NoopJudge)(nil)

// Grade implements RelevanceJudge.
func (NoopJudge) Grade(_ context.Context, _ string, candidates []string) ([]int, error) {
	grades := make([]int, len(candidates))
	for i := range grades {
		grades[i] = (GradeMax + GradeMin) / 2
	}
	return grades, nil
}

// Available implements RelevanceJudge.
func (NoopJudge) Available(context.Context) bool { return true }

// Close implements RelevanceJudge.
func (NoopJudge) Close() error { return nil }
