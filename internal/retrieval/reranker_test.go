package retrieval

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// scriptedJudge returns fixed grades or a fixed error.
type scriptedJudge struct {
	grades []int
	err    error
	calls  int
}

func (j *scriptedJudge) Grade(_ context.Context, _ string, candidates []string) ([]int, error) {
	j.calls++
	if j.err != nil {
		return nil, j.err
	}
	if len(j.grades) >= len(candidates) {
		return j.grades[:len(candidates)], nil
	}
	return j.grades, nil
}

func (j *scriptedJudge) Available(context.Context) bool { return true }
func (j *scriptedJudge) Close() error                   { return nil }

func fusedList(keys ...string) []FusedHit {
	hits := make([]FusedHit, len(keys))
	for i, k := range keys {
		hits[i] = FusedHit{
			SourceKey:   k,
			DisplayText: "text " + k,
			// Descending fused scores matching the input order.
			FusedScore: float64(len(keys)-i) / 100,
		}
	}
	return hits
}

func TestReranker_ReordersByBlendedScore(t *testing.T) {
	// The judge grades the last candidate highest; blended with fused
	// scores it should move up but membership must not change.
	j := &scriptedJudge{grades: []int{0, 1, 3}}
	r := NewReranker(j, 10, slog.Default())

	in := fusedList("a", "b", "c")
	out := r.Rerank(context.Background(), "q", in)

	require.Len(t, out, 3)
	// a: 0.5*1.0 + 0.5*0.0 = 0.50
	// b: 0.5*(2/3) + 0.5*(1/3) = 0.50
	// c: 0.5*(1/3) + 0.5*1.0 = 0.67
	assert.Equal(t, "c", out[0].SourceKey)
	assert.Equal(t, "a", out[1].SourceKey, "ties keep fused order")
	assert.Equal(t, "b", out[2].SourceKey)
}

func TestReranker_NeverFilters(t *testing.T) {
	j := &scriptedJudge{grades: []int{0, 0, 0, 0, 0}}
	r := NewReranker(j, 3, slog.Default())

	in := fusedList("a", "b", "c", "d", "e")
	out := r.Rerank(context.Background(), "q", in)

	require.Len(t, out, len(in))
	members := map[string]bool{}
	for _, h := range out {
		members[h.SourceKey] = true
	}
	for _, h := range in {
		assert.True(t, members[h.SourceKey])
	}
	// Entries past topK keep their positions.
	assert.Equal(t, "d", out[3].SourceKey)
	assert.Equal(t, "e", out[4].SourceKey)
}

func TestReranker_FailsOpenOnJudgeError(t *testing.T) {
	j := &scriptedJudge{err: recallerr.New(recallerr.ErrCodeProviderUnavailable, "down", nil)}
	r := NewReranker(j, 10, slog.Default())

	in := fusedList("a", "b", "c")
	out := r.Rerank(context.Background(), "q", in)

	assert.Equal(t, in, out)
	assert.Equal(t, 1, j.calls)
}

func TestReranker_FailsOpenOnShortGradeList(t *testing.T) {
	j := &scriptedJudge{grades: []int{2}}
	r := NewReranker(j, 10, slog.Default())

	in := fusedList("a", "b", "c")
	out := r.Rerank(context.Background(), "q", in)

	assert.Equal(t, in, out)
}

func TestReranker_SingleHitPassesThrough(t *testing.T) {
	j := &scriptedJudge{grades: []int{3}}
	r := NewReranker(j, 10, slog.Default())

	in := fusedList("only")
	out := r.Rerank(context.Background(), "q", in)

	assert.Equal(t, in, out)
	assert.Zero(t, j.calls, "no judge call for a single candidate")
}
