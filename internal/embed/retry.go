package embed

import (
	"context"
	"log/slog"
	"time"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// Retry backoff bounds.
const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// RetryingEmbedder wraps an Embedder with bounded exponential backoff
// on retryable errors. Rate-limit responses that carry a Retry-After
// wait exactly that long instead of the computed backoff.
type RetryingEmbedder struct {
	inner      Embedder
	maxRetries int
	logger     *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Embedder = (*RetryingEmbedder)(nil)

// NewRetryingEmbedder wraps inner with maxRetries attempts beyond the
// first.
func NewRetryingEmbedder(inner Embedder, maxRetries int, logger *slog.Logger) *RetryingEmbedder {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingEmbedder{
		inner:      inner,
		maxRetries: maxRetries,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay returns the wait before the given attempt (1-based).
func backoffDelay(attempt int, err error) time.Duration {
	if rl, ok := recallerr.AsRateLimit(err); ok && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// retry runs op up to maxRetries+1 times. Non-retryable errors and
// context cancellation stop immediately.
func (r *RetryingEmbedder) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !recallerr.IsRetryable(err) {
			return err
		}

		delay := backoffDelay(attempt+1, err)
		r.logger.Warn("embedding retry",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// Embed implements Embedder.
func (r *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := r.retry(ctx, func() error {
		var opErr error
		vec, opErr = r.inner.Embed(ctx, text)
		return opErr
	})
	return vec, err
}

// EmbedBatch implements Embedder.
func (r *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := r.retry(ctx, func() error {
		var opErr error
		vecs, opErr = r.inner.EmbedBatch(ctx, texts)
		return opErr
	})
	return vecs, err
}

// Dimensions implements Embedder.
func (r *RetryingEmbedder) Dimensions() int {
	return r.inner.Dimensions()
}

// ModelName implements Embedder.
func (r *RetryingEmbedder) ModelName() string {
	return r.inner.ModelName()
}

// Available implements Embedder.
func (r *RetryingEmbedder) Available(ctx context.Context) bool {
	return r.inner.Available(ctx)
}

// Close implements Embedder.
func (r *RetryingEmbedder) Close() error {
	return r.inner.Close()
}
