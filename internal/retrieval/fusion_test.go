package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrecall/chatrecall/internal/store"
)

func mkHit(key, text string, kind store.IndexKind, query int) Hit {
	return Hit{
		SourceKey:        key,
		DisplayText:      text,
		OriginIndex:      kind,
		OriginQueryIndex: query,
	}
}

func TestApplyRRFFusion_TwoVariantScenario(t *testing.T) {
	// Variant "X" returns [m1, m2], variant "Y" returns [m2, m3].
	// m2 collects contributions from both lists and outranks both.
	lists := [][]Hit{
		{mkHit("m1", "alpha", store.IndexMessages, 0), mkHit("m2", "bravo", store.IndexMessages, 0)},
		{mkHit("m2", "bravo", store.IndexMessages, 1), mkHit("m3", "charlie", store.IndexMessages, 1)},
	}

	fused := ApplyRRFFusion(lists, 60)

	require.Len(t, fused, 3)
	assert.Equal(t, "m2", fused[0].SourceKey)
	assert.InDelta(t, 1.0/61+1.0/62, fused[0].FusedScore, 1e-9)
	assert.Equal(t, []int{0, 1}, fused[0].ContributingQueries)

	assert.Equal(t, "m1", fused[1].SourceKey)
	assert.InDelta(t, 1.0/61, fused[1].FusedScore, 1e-9)
	assert.Equal(t, "m3", fused[2].SourceKey)
	assert.InDelta(t, 1.0/62, fused[2].FusedScore, 1e-9)
}

func TestApplyRRFFusion_RankZeroInNOfMLists(t *testing.T) {
	// A hit at rank 0 in N lists scores exactly N/(k+1).
	lists := [][]Hit{
		{mkHit("m1", "alpha", store.IndexMessages, 0)},
		{mkHit("m1", "alpha", store.IndexWindows, 0)},
		{mkHit("m1", "alpha", store.IndexMessages, 1)},
		{mkHit("m9", "other", store.IndexMessages, 2)},
	}

	fused := ApplyRRFFusion(lists, 60)

	require.NotEmpty(t, fused)
	assert.Equal(t, "m1", fused[0].SourceKey)
	assert.InDelta(t, 3.0/61, fused[0].FusedScore, 1e-9)
}

func TestApplyRRFFusion_Deterministic(t *testing.T) {
	lists := [][]Hit{
		{mkHit("a", "one", store.IndexMessages, 0), mkHit("b", "two", store.IndexMessages, 0)},
		{mkHit("c", "three", store.IndexWindows, 0), mkHit("a", "one", store.IndexWindows, 0)},
		{mkHit("b", "two", store.IndexMessages, 1), mkHit("d", "four", store.IndexMessages, 1)},
	}

	first := ApplyRRFFusion(lists, 60)
	second := ApplyRRFFusion(lists, 60)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].SourceKey, second[i].SourceKey)
		assert.Equal(t, first[i].FusedScore, second[i].FusedScore)
	}
}

func TestApplyRRFFusion_DedupByNormalizedText(t *testing.T) {
	// Same content under different keys and whitespace merges into one
	// entry that records both contributing queries.
	lists := [][]Hit{
		{mkHit("k1", "Deploy on  Friday", store.IndexMessages, 0)},
		{mkHit("k2", "deploy on friday", store.IndexWindows, 1)},
	}

	fused := ApplyRRFFusion(lists, 60)

	require.Len(t, fused, 1)
	assert.Equal(t, []int{0, 1}, fused[0].ContributingQueries)
	assert.Equal(t, "Deploy on  Friday", fused[0].DisplayText, "first-seen text wins")
	assert.InDelta(t, 2.0/61, fused[0].FusedScore, 1e-9)
	assert.True(t, fused[0].Corroborated())
}

func TestApplyRRFFusion_TieBreaks(t *testing.T) {
	// Equal scores: the hit surfaced by the earlier variant wins.
	lists := [][]Hit{
		{mkHit("late", "aaa", store.IndexMessages, 1)},
		{mkHit("early", "bbb", store.IndexMessages, 0)},
	}

	fused := ApplyRRFFusion(lists, 60)

	require.Len(t, fused, 2)
	assert.Equal(t, "early", fused[0].SourceKey)
	assert.Equal(t, "late", fused[1].SourceKey)
}

func TestApplyRRFFusion_EmptyInput(t *testing.T) {
	assert.Empty(t, ApplyRRFFusion(nil, 60))
	assert.Empty(t, ApplyRRFFusion([][]Hit{{}, {}}, 60))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hello world", normalizeText("  Hello   WORLD "))
	assert.Equal(t, "", normalizeText("   "))
}
