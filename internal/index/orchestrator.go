package index

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatrecall/chatrecall/internal/embed"
	recallerr "github.com/chatrecall/chatrecall/internal/errors"
	"github.com/chatrecall/chatrecall/internal/store"
	"github.com/chatrecall/chatrecall/internal/telemetry"
)

// State names one phase of a handler's indexing pass.
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateEmbedding State = "embedding"
	StateUpserting State = "upserting"
)

// Orchestrator defaults.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultBackoff      = 30 * time.Second
	DefaultMaxBackoff   = 5 * time.Minute
	ReindexAllTarget    = "*"
)

// CursorStore persists per-(handler, conversation) resume keys.
// Implemented by the SQLite message store.
type CursorStore interface {
	Cursor(ctx context.Context, handler, conversationID string) (int64, error)
	SetCursor(ctx context.Context, handler, conversationID string, key int64) error
	ClearCursor(ctx context.Context, handler, conversationID string) error
	ResetCursors(ctx context.Context, handler string) error
}

// StatusSource supplies conversation inventory and backlog counts.
// Implemented by the SQLite message store.
type StatusSource interface {
	Conversations(ctx context.Context) ([]string, error)
	CountAfter(ctx context.Context, conversationID string, afterKey int64) (int, error)
}

// Config tunes the orchestrator loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int

	// Backoff is the pause after a rate-limit signal that carries no
	// Retry-After. Repeated signals double it up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// HandlerStatus is one handler's operational snapshot.
type HandlerStatus struct {
	State   State
	Total   int
	Indexed int
	Pending int
}

// handlerState tracks one handler's phase and backoff schedule.
type handlerState struct {
	state       State
	nextAttempt time.Time
	backoff     time.Duration
}

// Orchestrator drives the registered handlers on a schedule. Handlers
// run concurrently with each other (they feed disjoint partitions),
// but each handler's own passes are sequential so its cursor never
// races.
type Orchestrator struct {
	cfg      Config
	handlers []Handler
	cursors  CursorStore
	status   StatusSource
	embedder embed.Embedder
	vectors  store.VectorStore
	sink     telemetry.Sink
	logger   *slog.Logger

	// now is swappable in tests.
	now func() time.Time

	mu     sync.Mutex
	states map[string]*handlerState
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Config   Config
	Handlers []Handler
	Cursors  CursorStore
	Status   StatusSource
	Embedder embed.Embedder
	Vectors  store.VectorStore
	Sink     telemetry.Sink
	Logger   *slog.Logger
}

// NewOrchestrator validates the wiring. Missing capabilities fail
// fast.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if len(cfg.Handlers) == 0 {
		return nil, recallerr.CapabilityError("orchestrator requires at least one handler")
	}
	if cfg.Cursors == nil {
		return nil, recallerr.CapabilityError("orchestrator requires a cursor store")
	}
	if cfg.Status == nil {
		return nil, recallerr.CapabilityError("orchestrator requires a status source")
	}
	if cfg.Embedder == nil {
		return nil, recallerr.CapabilityError("orchestrator requires an embedder")
	}
	if cfg.Vectors == nil {
		return nil, recallerr.CapabilityError("orchestrator requires a vector store")
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NoopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:      cfg.Config.normalized(),
		handlers: cfg.Handlers,
		cursors:  cfg.Cursors,
		status:   cfg.Status,
		embedder: cfg.Embedder,
		vectors:  cfg.Vectors,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
		now:      time.Now,
		states:   make(map[string]*handlerState),
	}
	for _, h := range cfg.Handlers {
		o.states[h.Name()] = &handlerState{state: StateIdle, backoff: o.cfg.Backoff}
	}
	return o, nil
}

// Run polls until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := o.Pass(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass runs one full pass of every handler. Only context cancellation
// is returned as an error; everything else is isolated, counted, and
// logged.
func (o *Orchestrator) Pass(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range o.handlers {
		h := h
		g.Go(func() error {
			o.passHandler(gctx, h)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// passHandler drains one handler across all conversations, honoring
// its backoff window.
func (o *Orchestrator) passHandler(ctx context.Context, h Handler) {
	hs := o.states[h.Name()]

	o.mu.Lock()
	waiting := o.now().Before(hs.nextAttempt)
	o.mu.Unlock()
	if waiting {
		return
	}

	conversations, err := o.status.Conversations(ctx)
	if err != nil {
		o.logger.Error("listing conversations failed",
			slog.String("handler", h.Name()),
			slog.String("error", err.Error()))
		return
	}

	for _, conv := range conversations {
		if ctx.Err() != nil {
			return
		}
		// Adaptive draining: a full batch means backlog, so go again
		// immediately instead of waiting for the next poll.
		for {
			n, full, err := o.processBatch(ctx, h, conv)
			if err != nil {
				o.handleBatchError(h, conv, n, err)
				o.setState(h.Name(), StateIdle)
				if _, rateLimited := recallerr.AsRateLimit(err); rateLimited {
					return
				}
				break
			}
			if !full {
				break
			}
		}
	}
	o.setState(h.Name(), StateIdle)
}

// processBatch runs Fetch → Embed → Upsert for one conversation batch.
// The cursor advances only after a successful upsert: a failure or
// cancellation anywhere before that re-processes the batch next pass.
func (o *Orchestrator) processBatch(ctx context.Context, h Handler, conv string) (int, bool, error) {
	o.setState(h.Name(), StateFetching)
	cursor, err := o.cursors.Cursor(ctx, h.Name(), conv)
	if err != nil {
		return 0, false, err
	}
	items, err := h.Fetch(ctx, conv, cursor, o.cfg.BatchSize)
	if err != nil {
		return 0, false, err
	}
	if len(items) == 0 {
		o.setState(h.Name(), StateIdle)
		return 0, false, nil
	}

	o.setState(h.Name(), StateEmbedding)
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return len(items), false, err
	}

	o.setState(h.Name(), StateUpserting)
	records := make([]store.Record, len(items))
	for i, it := range items {
		records[i] = store.Record{Key: it.RecordKey, Vector: vectors[i], Payload: it.Payload}
	}
	if err := o.vectors.Upsert(ctx, store.Partition(h.Kind(), conv), records); err != nil {
		return len(items), false, err
	}

	last := items[len(items)-1].SourceKey
	if err := o.cursors.SetCursor(ctx, h.Name(), conv, last); err != nil {
		return len(items), false, err
	}

	o.sink.ItemsProcessed(h.Name(), len(items))
	o.resetBackoff(h.Name())
	o.logger.Debug("batch indexed",
		slog.String("handler", h.Name()),
		slog.String("conversation", conv),
		slog.Int("items", len(items)),
		slog.Int64("cursor", last))

	return len(items), len(items) == o.cfg.BatchSize, nil
}

// handleBatchError counts the failure and, for rate limits, schedules
// the handler's backoff window.
func (o *Orchestrator) handleBatchError(h Handler, conv string, items int, err error) {
	if items > 0 {
		o.sink.ItemsFailed(h.Name(), items)
	}

	if rl, ok := recallerr.AsRateLimit(err); ok {
		o.mu.Lock()
		hs := o.states[h.Name()]
		delay := hs.backoff
		if rl.RetryAfter > 0 {
			delay = rl.RetryAfter
		}
		hs.nextAttempt = o.now().Add(delay)
		hs.backoff *= 2
		if hs.backoff > o.cfg.MaxBackoff {
			hs.backoff = o.cfg.MaxBackoff
		}
		o.mu.Unlock()

		o.sink.BackoffEvent(h.Name())
		o.logger.Warn("handler rate limited, backing off",
			slog.String("handler", h.Name()),
			slog.String("conversation", conv),
			slog.Duration("delay", delay))
		return
	}

	o.logger.Error("batch failed",
		slog.String("handler", h.Name()),
		slog.String("conversation", conv),
		slog.String("error", err.Error()))
}

func (o *Orchestrator) setState(handler string, s State) {
	o.mu.Lock()
	o.states[handler].state = s
	o.mu.Unlock()
}

func (o *Orchestrator) resetBackoff(handler string) {
	o.mu.Lock()
	hs := o.states[handler]
	hs.backoff = o.cfg.Backoff
	hs.nextAttempt = time.Time{}
	o.mu.Unlock()
}

// HandlerState returns the handler's current phase.
func (o *Orchestrator) HandlerState(handler string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hs, ok := o.states[handler]; ok {
		return hs.state
	}
	return StateIdle
}

// Status reports per-handler backlog aggregated over conversations.
func (o *Orchestrator) Status(ctx context.Context) (map[string]HandlerStatus, error) {
	conversations, err := o.status.Conversations(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]HandlerStatus, len(o.handlers))
	for _, h := range o.handlers {
		st := HandlerStatus{State: o.HandlerState(h.Name())}
		for _, conv := range conversations {
			total, err := o.status.CountAfter(ctx, conv, 0)
			if err != nil {
				return nil, err
			}
			cursor, err := o.cursors.Cursor(ctx, h.Name(), conv)
			if err != nil {
				return nil, err
			}
			pending, err := o.status.CountAfter(ctx, conv, cursor)
			if err != nil {
				return nil, err
			}
			st.Total += total
			st.Pending += pending
			st.Indexed += total - pending
		}
		statuses[h.Name()] = st
	}
	return statuses, nil
}

// ReindexAll drops and rebuilds the indexes for one conversation, or
// for every conversation when target is "*". Destructive; callers
// gate it behind an explicit confirmation.
func (o *Orchestrator) ReindexAll(ctx context.Context, target string) error {
	var conversations []string
	if target == ReindexAllTarget {
		var err error
		conversations, err = o.status.Conversations(ctx)
		if err != nil {
			return err
		}
	} else {
		conversations = []string{target}
	}

	for _, h := range o.handlers {
		for _, conv := range conversations {
			if err := o.vectors.DeleteAll(ctx, store.Partition(h.Kind(), conv)); err != nil {
				return recallerr.Wrap(recallerr.ErrCodeIndexingFailed, err)
			}
			if err := o.cursors.ClearCursor(ctx, h.Name(), conv); err != nil {
				return err
			}
		}
		o.logger.Info("index cleared for rebuild",
			slog.String("handler", h.Name()),
			slog.Int("conversations", len(conversations)))
	}

	// Rebuild immediately rather than waiting for the next poll.
	return o.Pass(ctx)
}
