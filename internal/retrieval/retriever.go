package retrieval

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chatrecall/chatrecall/internal/convo"
	"github.com/chatrecall/chatrecall/internal/embed"
	recallerr "github.com/chatrecall/chatrecall/internal/errors"
	"github.com/chatrecall/chatrecall/internal/judge"
	"github.com/chatrecall/chatrecall/internal/store"
	"github.com/chatrecall/chatrecall/internal/telemetry"
)

// Retrieval defaults.
const (
	DefaultPerBranchLimit   = 10
	DefaultMaxVariants      = 4
	DefaultNearDupThreshold = 0.98
	DefaultFanOutLimit      = 4
)

// Options tunes one Retrieve call. Zero values take the defaults.
type Options struct {
	// Variants are alternative phrasings of the question. The question
	// itself is always variant 0; extras beyond MaxVariants-1 are
	// dropped.
	Variants []string

	// MaxVariants caps the total number of query variants issued.
	MaxVariants int

	// PerBranchLimit caps hits per (variant, index) branch.
	PerBranchLimit int

	// Rerank applies the relevance judge to the top fused hits.
	Rerank bool

	// RerankTopK bounds the rerank candidate set.
	RerankTopK int

	// NearDupThreshold drops hits whose similarity to the query is at
	// least this value; such hits are usually the query echoed back.
	NearDupThreshold float64

	// ExpandWindows appends the enclosing windows of message-index
	// hits so fused results carry dialog context.
	ExpandWindows bool
}

func (o Options) normalized() Options {
	if o.MaxVariants <= 0 {
		o.MaxVariants = DefaultMaxVariants
	}
	if o.PerBranchLimit <= 0 {
		o.PerBranchLimit = DefaultPerBranchLimit
	}
	if o.NearDupThreshold <= 0 || o.NearDupThreshold > 1 {
		o.NearDupThreshold = DefaultNearDupThreshold
	}
	return o
}

// WindowLookup resolves the windows a message belongs to. Implemented
// by the SQLite message store.
type WindowLookup interface {
	WindowsForMessage(ctx context.Context, conversationID string, messageID int64) ([]convo.Window, error)
}

// Retriever is the foreground query engine.
type Retriever struct {
	embedder embed.Embedder
	vectors  store.VectorStore
	reranker *Reranker
	windows  WindowLookup
	sink     telemetry.Sink
	logger   *slog.Logger

	fusionK int

	// gateMu guards gate, which config hot-reload swaps at runtime.
	gateMu sync.RWMutex
	gate   GateConfig
}

// RetrieverConfig wires a Retriever. Embedder and Vectors are
// required; the rest is optional.
type RetrieverConfig struct {
	Embedder embed.Embedder
	Vectors  store.VectorStore
	Judge    judge.RelevanceJudge
	Windows  WindowLookup
	Sink     telemetry.Sink
	Logger   *slog.Logger
	FusionK  int
	Gate     GateConfig
}

// NewRetriever validates the wiring and builds a Retriever. A missing
// required capability is a fatal configuration error.
func NewRetriever(cfg RetrieverConfig) (*Retriever, error) {
	if cfg.Embedder == nil {
		return nil, recallerr.CapabilityError("retriever requires an embedder")
	}
	if cfg.Vectors == nil {
		return nil, recallerr.CapabilityError("retriever requires a vector store")
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NoopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FusionK <= 0 {
		cfg.FusionK = DefaultRRFK
	}

	r := &Retriever{
		embedder: cfg.Embedder,
		vectors:  cfg.Vectors,
		windows:  cfg.Windows,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
		fusionK:  cfg.FusionK,
		gate:     cfg.Gate.normalized(),
	}
	if cfg.Judge != nil {
		r.reranker = NewReranker(cfg.Judge, DefaultRerankTopK, cfg.Logger)
	}
	return r, nil
}

// SetGate swaps the confidence thresholds. Used by config hot-reload.
func (r *Retriever) SetGate(cfg GateConfig) {
	r.gateMu.Lock()
	r.gate = cfg.normalized()
	r.gateMu.Unlock()
}

// Gate returns the active confidence thresholds.
func (r *Retriever) Gate() GateConfig {
	r.gateMu.RLock()
	defer r.gateMu.RUnlock()
	return r.gate
}

// Retrieve answers one question over one conversation. Branch failures
// degrade to empty lists; an empty corpus yields LevelNone with empty
// hits and no error.
func (r *Retriever) Retrieve(ctx context.Context, conversationID, question string, opts Options) (*Result, error) {
	if strings.TrimSpace(question) == "" {
		return nil, recallerr.New(recallerr.ErrCodeQueryEmpty, "question must not be empty", nil)
	}
	if conversationID == "" {
		return nil, recallerr.ValidationError("conversation id must not be empty", nil)
	}
	opts = opts.normalized()

	traceID := uuid.NewString()
	logger := r.logger.With(
		slog.String("trace_id", traceID),
		slog.String("conversation", conversationID))

	variants := make([]string, 0, opts.MaxVariants)
	variants = append(variants, question)
	for _, v := range opts.Variants {
		if len(variants) >= opts.MaxVariants {
			break
		}
		if strings.TrimSpace(v) != "" && v != question {
			variants = append(variants, v)
		}
	}

	vectors, err := r.embedder.EmbedBatch(ctx, variants)
	if err != nil {
		return nil, recallerr.Wrap(recallerr.ErrCodeRetrievalFailed, err)
	}

	kinds := []store.IndexKind{store.IndexMessages, store.IndexWindows}
	lists := make([][]Hit, len(variants)*len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultFanOutLimit)
	for vi := range variants {
		for ki, kind := range kinds {
			vi, ki, kind := vi, ki, kind
			g.Go(func() error {
				hits, branchErr := r.queryBranch(gctx, conversationID, kind, vi, vectors[vi], opts)
				if branchErr != nil {
					// A slow or broken branch degrades to empty
					// instead of failing the retrieval.
					logger.Warn("retrieval branch degraded",
						slog.String("index", string(kind)),
						slog.Int("variant", vi),
						slog.String("error", branchErr.Error()))
					return nil
				}
				lists[vi*len(kinds)+ki] = hits
				return nil
			})
		}
	}
	_ = g.Wait()

	fused := ApplyRRFFusion(lists, r.fusionK)

	if opts.Rerank && r.reranker != nil && len(fused) > 1 {
		reranker := r.reranker
		if opts.RerankTopK > 0 {
			reranker = NewReranker(r.reranker.judge, opts.RerankTopK, r.logger)
		}
		fused = reranker.Rerank(ctx, question, fused)
	}

	confidence := AssessConfidence(fused, len(variants), r.fusionK, r.Gate())

	r.sink.RetrievalServed(len(fused))
	logger.Info("retrieval served",
		slog.Int("variants", len(variants)),
		slog.Int("hits", len(fused)),
		slog.String("confidence", string(confidence.Level)))

	return &Result{Hits: fused, Confidence: confidence, TraceID: traceID}, nil
}

// queryBranch runs one (variant, index) nearest-neighbor query and
// converts the results, applying the query-echo filter and optional
// window expansion.
func (r *Retriever) queryBranch(ctx context.Context, conversationID string, kind store.IndexKind, variantIndex int, vector []float32, opts Options) ([]Hit, error) {
	raw, err := r.vectors.Query(ctx, store.Partition(kind, conversationID), vector, opts.PerBranchLimit)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(raw))
	for _, qh := range raw {
		if float64(qh.Similarity) >= opts.NearDupThreshold {
			continue
		}
		hits = append(hits, Hit{
			SourceKey:        qh.Key,
			DisplayText:      qh.Payload.DisplayText,
			RawScore:         qh.Similarity,
			OriginIndex:      kind,
			OriginQueryIndex: variantIndex,
		})
	}

	if kind == store.IndexMessages && opts.ExpandWindows && r.windows != nil {
		hits = r.expandWindows(ctx, conversationID, variantIndex, hits)
	}
	return hits, nil
}

// expandWindows appends the enclosing windows of each message hit.
// Window hits rank after the messages that pulled them in, so fusion
// rewards them without displacing direct matches; duplicates of hits
// from the window index merge during fusion.
func (r *Retriever) expandWindows(ctx context.Context, conversationID string, variantIndex int, hits []Hit) []Hit {
	seen := make(map[string]bool, len(hits))
	var expanded []Hit
	for _, h := range hits {
		messageID, err := strconv.ParseInt(h.SourceKey, 10, 64)
		if err != nil {
			continue
		}
		windows, err := r.windows.WindowsForMessage(ctx, conversationID, messageID)
		if err != nil {
			// Membership lookup is best effort.
			continue
		}
		for _, w := range windows {
			if seen[w.Key()] {
				continue
			}
			seen[w.Key()] = true
			expanded = append(expanded, Hit{
				SourceKey:        w.Key(),
				DisplayText:      w.Text,
				RawScore:         h.RawScore,
				OriginIndex:      store.IndexWindows,
				OriginQueryIndex: variantIndex,
			})
		}
	}
	return append(hits, expanded...)
}
