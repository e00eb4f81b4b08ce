package embed

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// countingEmbedder wraps StaticEmbedder and counts calls.
type countingEmbedder struct {
	*StaticEmbedder
	embeds  int
	batches int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embeds++
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batches++
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

// flakyEmbedder fails n times before succeeding.
type flakyEmbedder struct {
	*StaticEmbedder
	failures int
	err      error
	calls    int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.StaticEmbedder.Embed(ctx, text)
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestStaticEmbedder_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	a, err := e.Embed(ctx, "where did we decide to deploy?")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "where did we decide to deploy?")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "completely different text about cooking")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	assert.Len(t, a, StaticDimensions)
	assert.Equal(t, StaticDimensions, e.Dimensions())
	assert.InDelta(t, 1.0, vectorNorm(a), 1e-5)
}

func TestStaticEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, vec, StaticDimensions)
	assert.Zero(t, vectorNorm(vec))
}

func TestStaticEmbedder_SimilarTextIsCloser(t *testing.T) {
	ctx := context.Background()
	e := NewStaticEmbedder()
	defer func() { _ = e.Close() }()

	base, _ := e.Embed(ctx, "deploy the backend service on friday")
	near, _ := e.Embed(ctx, "deploy the backend on friday evening")
	far, _ := e.Embed(ctx, "grandma's lasagna recipe with extra cheese")

	assert.Greater(t, dot(base, near), dot(base, far))
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestCachedEmbedder_AvoidsRecomputation(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	c := NewCachedEmbedder(inner, 10)
	defer func() { _ = c.Close() }()

	first, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	second, err := c.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.embeds)
}

func TestCachedEmbedder_BatchOnlyEmbedsMisses(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
	c := NewCachedEmbedder(inner, 10)
	defer func() { _ = c.Close() }()

	_, err := c.Embed(ctx, "warm")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(ctx, []string{"warm", "cold"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.NotNil(t, vecs[0])
	assert.NotNil(t, vecs[1])
	assert.Equal(t, 1, inner.batches, "only the miss goes to the inner embedder")

	// Fully warm batch never hits the inner embedder.
	_, err = c.EmbedBatch(ctx, []string{"warm", "cold"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.batches)
}

func TestRetryingEmbedder_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyEmbedder{
		StaticEmbedder: NewStaticEmbedder(),
		failures:       2,
		err:            recallerr.New(recallerr.ErrCodeProviderUnavailable, "down", nil),
	}
	r := NewRetryingEmbedder(inner, 3, slog.Default())
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	vec, err := r.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotNil(t, vec)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingEmbedder_HonorsRetryAfter(t *testing.T) {
	inner := &flakyEmbedder{
		StaticEmbedder: NewStaticEmbedder(),
		failures:       1,
		err:            &recallerr.RateLimitError{Provider: "ollama", RetryAfter: 9 * time.Second},
	}
	r := NewRetryingEmbedder(inner, 3, slog.Default())

	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := r.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, 9*time.Second, slept[0])
}

func TestRetryingEmbedder_NonRetryableFailsFast(t *testing.T) {
	inner := &flakyEmbedder{
		StaticEmbedder: NewStaticEmbedder(),
		failures:       5,
		err:            recallerr.ValidationError("bad input", nil),
	}
	r := NewRetryingEmbedder(inner, 3, slog.Default())
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := r.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingEmbedder_ExhaustsBudget(t *testing.T) {
	inner := &flakyEmbedder{
		StaticEmbedder: NewStaticEmbedder(),
		failures:       10,
		err:            recallerr.New(recallerr.ErrCodeProviderTimeout, "slow", nil),
	}
	r := NewRetryingEmbedder(inner, 2, slog.Default())
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := r.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls, "initial attempt plus two retries")
}

func TestBackoffDelay_GrowsAndCaps(t *testing.T) {
	err := recallerr.New(recallerr.ErrCodeProviderTimeout, "slow", nil)
	assert.Equal(t, 500*time.Millisecond, backoffDelay(1, err))
	assert.Equal(t, time.Second, backoffDelay(2, err))
	assert.Equal(t, 2*time.Second, backoffDelay(3, err))
	assert.Equal(t, retryMaxDelay, backoffDelay(20, err))
}
