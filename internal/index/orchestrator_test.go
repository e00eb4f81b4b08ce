package index

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrecall/chatrecall/internal/embed"
	recallerr "github.com/chatrecall/chatrecall/internal/errors"
	"github.com/chatrecall/chatrecall/internal/store"
	"github.com/chatrecall/chatrecall/internal/telemetry"
)

// rateLimitingEmbedder rejects EmbedBatch calls matched by failOn until
// failures is exhausted, then delegates to the static embedder.
type rateLimitingEmbedder struct {
	*embed.StaticEmbedder

	mu         sync.Mutex
	failures   int
	retryAfter time.Duration
	failOn     func(texts []string) bool
	calls      int
}

func (e *rateLimitingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	matches := e.failOn == nil || e.failOn(texts)
	if matches {
		e.calls++
	}
	if matches && e.failures > 0 {
		e.failures--
		ra := e.retryAfter
		e.mu.Unlock()
		return nil, &recallerr.RateLimitError{Provider: "test", RetryAfter: ra}
	}
	e.mu.Unlock()
	return e.StaticEmbedder.EmbedBatch(ctx, texts)
}

func (e *rateLimitingEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// failingVectors rejects upserts while fail is set.
type failingVectors struct {
	store.VectorStore
	fail bool
}

func (f *failingVectors) Upsert(ctx context.Context, partition string, records []store.Record) error {
	if f.fail {
		return recallerr.StorageError("upsert vectors", nil)
	}
	return f.VectorStore.Upsert(ctx, partition, records)
}

type orchestratorFixture struct {
	orch    *Orchestrator
	msgs    *store.MessageStore
	vectors store.VectorStore
	sink    *telemetry.RecordingSink
}

func newOrchestratorFixture(t *testing.T, cfg Config, embedder embed.Embedder, vectors store.VectorStore, handlers ...Handler) *orchestratorFixture {
	t.Helper()

	msgs := newSeededStore(t, "c1", 12)
	if embedder == nil {
		embedder = embed.NewStaticEmbedder()
	}
	if vectors == nil {
		vectors = store.NewMemoryStore(embed.StaticDimensions)
	}
	if len(handlers) == 0 {
		handlers = []Handler{NewMessageHandler(msgs), NewWindowHandler(msgs, msgs, nil)}
	}

	sink := telemetry.NewRecordingSink()
	orch, err := NewOrchestrator(OrchestratorConfig{
		Config:   cfg,
		Handlers: handlers,
		Cursors:  msgs,
		Status:   msgs,
		Embedder: embedder,
		Vectors:  vectors,
		Sink:     sink,
	})
	require.NoError(t, err)

	return &orchestratorFixture{orch: orch, msgs: msgs, vectors: vectors, sink: sink}
}

func TestNewOrchestrator_CapabilityChecks(t *testing.T) {
	msgs := newSeededStore(t, "c1", 1)
	base := OrchestratorConfig{
		Handlers: []Handler{NewMessageHandler(msgs)},
		Cursors:  msgs,
		Status:   msgs,
		Embedder: embed.NewStaticEmbedder(),
		Vectors:  store.NewMemoryStore(embed.StaticDimensions),
	}

	tests := []struct {
		name   string
		mutate func(c *OrchestratorConfig)
	}{
		{"no handlers", func(c *OrchestratorConfig) { c.Handlers = nil }},
		{"no cursor store", func(c *OrchestratorConfig) { c.Cursors = nil }},
		{"no status source", func(c *OrchestratorConfig) { c.Status = nil }},
		{"no embedder", func(c *OrchestratorConfig) { c.Embedder = nil }},
		{"no vector store", func(c *OrchestratorConfig) { c.Vectors = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := NewOrchestrator(cfg)
			require.Error(t, err)
			assert.Equal(t, recallerr.ErrCodeCapabilityMissing, recallerr.GetCode(err))
			assert.True(t, recallerr.IsFatal(err))
		})
	}
}

func TestOrchestrator_PassIndexesBothHandlers(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, Config{}, nil, nil)

	require.NoError(t, f.orch.Pass(ctx))

	msgCount, err := f.vectors.Count(ctx, store.Partition(store.IndexMessages, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 12, msgCount)

	winCount, err := f.vectors.Count(ctx, store.Partition(store.IndexWindows, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 1, winCount)

	msgCursor, err := f.msgs.Cursor(ctx, "message", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), msgCursor)

	winCursor, err := f.msgs.Cursor(ctx, "window", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), winCursor)

	assert.Equal(t, 12, f.sink.Handler("message").Processed)
	assert.Equal(t, 1, f.sink.Handler("window").Processed)
	assert.Equal(t, StateIdle, f.orch.HandlerState("message"))
	assert.Equal(t, StateIdle, f.orch.HandlerState("window"))
}

func TestOrchestrator_SecondPassIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, Config{}, nil, nil)

	require.NoError(t, f.orch.Pass(ctx))
	require.NoError(t, f.orch.Pass(ctx))

	assert.Equal(t, 12, f.sink.Handler("message").Processed)
	assert.Equal(t, 1, f.sink.Handler("window").Processed)

	count, err := f.vectors.Count(ctx, store.Partition(store.IndexMessages, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 12, count)
}

func TestOrchestrator_DrainsBacklogInOnePass(t *testing.T) {
	ctx := context.Background()
	msgs := newSeededStore(t, "c1", 12)

	sink := telemetry.NewRecordingSink()
	vectors := store.NewMemoryStore(embed.StaticDimensions)
	orch, err := NewOrchestrator(OrchestratorConfig{
		Config:   Config{BatchSize: 5},
		Handlers: []Handler{NewMessageHandler(msgs)},
		Cursors:  msgs,
		Status:   msgs,
		Embedder: embed.NewStaticEmbedder(),
		Vectors:  vectors,
		Sink:     sink,
	})
	require.NoError(t, err)

	// Full batches trigger an immediate re-pass, so one Pass clears the
	// whole backlog without waiting for the next poll tick.
	require.NoError(t, orch.Pass(ctx))

	count, err := vectors.Count(ctx, store.Partition(store.IndexMessages, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 12, count)

	cursor, err := msgs.Cursor(ctx, "message", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), cursor)
}

func TestOrchestrator_RateLimitSchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	msgs := newSeededStore(t, "c1", 12)
	embedder := &rateLimitingEmbedder{StaticEmbedder: embed.NewStaticEmbedder(), failures: 1}

	sink := telemetry.NewRecordingSink()
	vectors := store.NewMemoryStore(embed.StaticDimensions)
	orch, err := NewOrchestrator(OrchestratorConfig{
		Config:   Config{Backoff: 30 * time.Second, MaxBackoff: 5 * time.Minute},
		Handlers: []Handler{NewMessageHandler(msgs)},
		Cursors:  msgs,
		Status:   msgs,
		Embedder: embedder,
		Vectors:  vectors,
		Sink:     sink,
	})
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	orch.now = func() time.Time { return now }

	require.NoError(t, orch.Pass(ctx))

	assert.Equal(t, 1, sink.Handler("message").Backoffs)
	assert.Equal(t, 12, sink.Handler("message").Failed)
	cursor, err := msgs.Cursor(ctx, "message", "c1")
	require.NoError(t, err)
	assert.Zero(t, cursor, "cursor must not advance past a failed batch")

	// Within the backoff window the handler is skipped entirely.
	require.NoError(t, orch.Pass(ctx))
	assert.Equal(t, 1, embedder.callCount())

	// Past the window the retry succeeds and the backoff resets.
	now = now.Add(31 * time.Second)
	require.NoError(t, orch.Pass(ctx))

	count, err := vectors.Count(ctx, store.Partition(store.IndexMessages, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 12, count)
	assert.Equal(t, 12, sink.Handler("message").Processed)
	assert.Equal(t, 30*time.Second, orch.states["message"].backoff)
}

func TestOrchestrator_RetryAfterOverridesBackoff(t *testing.T) {
	ctx := context.Background()
	msgs := newSeededStore(t, "c1", 3)
	embedder := &rateLimitingEmbedder{
		StaticEmbedder: embed.NewStaticEmbedder(),
		failures:       1,
		retryAfter:     2 * time.Minute,
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Config:   Config{Backoff: 30 * time.Second, MaxBackoff: 5 * time.Minute},
		Handlers: []Handler{NewMessageHandler(msgs)},
		Cursors:  msgs,
		Status:   msgs,
		Embedder: embedder,
		Vectors:  store.NewMemoryStore(embed.StaticDimensions),
		Sink:     telemetry.NewRecordingSink(),
	})
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	orch.now = func() time.Time { return now }

	require.NoError(t, orch.Pass(ctx))
	assert.Equal(t, now.Add(2*time.Minute), orch.states["message"].nextAttempt)

	// The provider's own window wins, not the configured base delay.
	now = now.Add(time.Minute)
	require.NoError(t, orch.Pass(ctx))
	assert.Equal(t, 1, embedder.callCount())
}

func TestOrchestrator_RateLimitIsolatedPerHandler(t *testing.T) {
	ctx := context.Background()
	msgs := newSeededStore(t, "c1", 12)

	// Window texts are multi-line joins; rate-limit only those so the
	// message handler keeps making progress through the same pass.
	embedder := &rateLimitingEmbedder{
		StaticEmbedder: embed.NewStaticEmbedder(),
		failures:       1,
		failOn: func(texts []string) bool {
			return len(texts) > 0 && strings.Contains(texts[0], "\n")
		},
	}

	sink := telemetry.NewRecordingSink()
	vectors := store.NewMemoryStore(embed.StaticDimensions)
	orch, err := NewOrchestrator(OrchestratorConfig{
		Config:   Config{Backoff: 30 * time.Second, MaxBackoff: 5 * time.Minute},
		Handlers: []Handler{NewMessageHandler(msgs), NewWindowHandler(msgs, msgs, nil)},
		Cursors:  msgs,
		Status:   msgs,
		Embedder: embedder,
		Vectors:  vectors,
		Sink:     sink,
	})
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	orch.now = func() time.Time { return now }

	require.NoError(t, orch.Pass(ctx))

	msgCount, err := vectors.Count(ctx, store.Partition(store.IndexMessages, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 12, msgCount, "message handler unaffected by the window rate limit")
	assert.Equal(t, 1, sink.Handler("window").Backoffs)
	assert.Zero(t, sink.Handler("message").Backoffs)

	// Next cycle after the window expires picks the windows back up.
	now = now.Add(31 * time.Second)
	require.NoError(t, orch.Pass(ctx))

	winCount, err := vectors.Count(ctx, store.Partition(store.IndexWindows, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 1, winCount)
}

func TestOrchestrator_UpsertFailureDoesNotAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	msgs := newSeededStore(t, "c1", 12)
	vectors := &failingVectors{VectorStore: store.NewMemoryStore(embed.StaticDimensions), fail: true}

	sink := telemetry.NewRecordingSink()
	orch, err := NewOrchestrator(OrchestratorConfig{
		Handlers: []Handler{NewMessageHandler(msgs)},
		Cursors:  msgs,
		Status:   msgs,
		Embedder: embed.NewStaticEmbedder(),
		Vectors:  vectors,
		Sink:     sink,
	})
	require.NoError(t, err)

	require.NoError(t, orch.Pass(ctx))
	cursor, err := msgs.Cursor(ctx, "message", "c1")
	require.NoError(t, err)
	assert.Zero(t, cursor)
	assert.Equal(t, 12, sink.Handler("message").Failed)

	// Once the store recovers the same batch is re-processed in full.
	vectors.fail = false
	require.NoError(t, orch.Pass(ctx))

	count, err := vectors.Count(ctx, store.Partition(store.IndexMessages, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 12, count)
	cursor, err = msgs.Cursor(ctx, "message", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), cursor)
}

func TestOrchestrator_Status(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, Config{}, nil, nil)

	statuses, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, HandlerStatus{State: StateIdle, Total: 12, Pending: 12}, statuses["message"])

	require.NoError(t, f.orch.Pass(ctx))

	statuses, err = f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, HandlerStatus{State: StateIdle, Total: 12, Indexed: 12}, statuses["message"])
}

func TestOrchestrator_ReindexAll(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, Config{}, nil, nil)

	require.NoError(t, f.orch.Pass(ctx))
	require.NoError(t, f.orch.ReindexAll(ctx, ReindexAllTarget))

	// Cleared and rebuilt: every message re-processed once.
	assert.Equal(t, 24, f.sink.Handler("message").Processed)
	assert.Equal(t, 2, f.sink.Handler("window").Processed)

	count, err := f.vectors.Count(ctx, store.Partition(store.IndexMessages, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 12, count)

	cursor, err := f.msgs.Cursor(ctx, "message", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), cursor)
}

func TestOrchestrator_ReindexSingleConversation(t *testing.T) {
	ctx := context.Background()
	f := newOrchestratorFixture(t, Config{}, nil, nil)

	require.NoError(t, f.orch.Pass(ctx))
	require.NoError(t, f.orch.ReindexAll(ctx, "c1"))

	count, err := f.vectors.Count(ctx, store.Partition(store.IndexMessages, "c1"))
	require.NoError(t, err)
	assert.Equal(t, 12, count)
}

func TestAcquireDataLock_Exclusive(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireDataLock(dir)
	require.NoError(t, err)

	_, err = AcquireDataLock(dir)
	require.Error(t, err)
	assert.Equal(t, recallerr.ErrCodeConfigInvalid, recallerr.GetCode(err))
	assert.Contains(t, err.Error(), "locked by another chatrecall process")

	require.NoError(t, lock.Release())

	lock2, err := AcquireDataLock(dir)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}
