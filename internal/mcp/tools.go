package mcp

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chatrecall/chatrecall/internal/index"
	"github.com/chatrecall/chatrecall/internal/retrieval"
)

// Tool result size limits.
const (
	defaultHitLimit = 10
	maxHitLimit     = 50
)

// RetrieveInput is the retrieve tool's input schema.
type RetrieveInput struct {
	Conversation string   `json:"conversation" jsonschema:"conversation id to search"`
	Question     string   `json:"question" jsonschema:"the question to answer from memory"`
	Variants     []string `json:"variants,omitempty" jsonschema:"alternative phrasings of the question, up to 3"`
	Limit        int      `json:"limit,omitempty" jsonschema:"maximum number of passages, default 10"`
	Rerank       bool     `json:"rerank,omitempty" jsonschema:"apply the LLM relevance judge to the top passages"`
}

// RetrieveOutput is the retrieve tool's output schema.
type RetrieveOutput struct {
	Hits       []HitOutput `json:"hits" jsonschema:"ranked passages, best first"`
	Confidence string      `json:"confidence" jsonschema:"high, medium, low, or none"`
	Reason     string      `json:"reason" jsonschema:"why this confidence level was assigned"`
	TraceID    string      `json:"trace_id" jsonschema:"id correlating this call with server logs"`
}

// HitOutput is one ranked passage.
type HitOutput struct {
	Key          string   `json:"key" jsonschema:"source key of the passage"`
	Text         string   `json:"text" jsonschema:"the passage text"`
	Score        float64  `json:"score" jsonschema:"fused relevance score"`
	Indexes      []string `json:"indexes" jsonschema:"which indexes surfaced this passage: messages, windows"`
	Corroborated bool     `json:"corroborated" jsonschema:"true if multiple query variants or both indexes agreed"`
}

func (s *Server) retrieveHandler(ctx context.Context, _ *mcp.CallToolRequest, input RetrieveInput) (
	*mcp.CallToolResult,
	RetrieveOutput,
	error,
) {
	if strings.TrimSpace(input.Conversation) == "" {
		return nil, RetrieveOutput{}, NewInvalidParamsError("conversation parameter is required")
	}
	if strings.TrimSpace(input.Question) == "" {
		return nil, RetrieveOutput{}, NewInvalidParamsError("question parameter is required")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultHitLimit
	}
	if limit > maxHitLimit {
		limit = maxHitLimit
	}

	start := time.Now()
	rc := s.cfg.Retrieval
	opts := retrieval.Options{
		Variants:         input.Variants,
		MaxVariants:      rc.MaxVariants,
		PerBranchLimit:   rc.PerBranchLimit,
		Rerank:           input.Rerank,
		RerankTopK:       rc.RerankTopK,
		NearDupThreshold: rc.NearDupThreshold,
		ExpandWindows:    rc.ExpandWindows,
	}

	result, err := s.engine.Retrieve(ctx, input.Conversation, input.Question, opts)
	if err != nil {
		s.logger.Error("retrieve failed",
			slog.String("conversation", input.Conversation),
			slog.String("error", err.Error()))
		return nil, RetrieveOutput{}, MapError(err)
	}

	hits := result.Hits
	if len(hits) > limit {
		hits = hits[:limit]
	}
	output := RetrieveOutput{
		Hits:       make([]HitOutput, 0, len(hits)),
		Confidence: string(result.Confidence.Level),
		Reason:     result.Confidence.Reason,
		TraceID:    result.TraceID,
	}
	for _, h := range hits {
		indexes := make([]string, 0, len(h.OriginIndexes))
		for _, k := range h.OriginIndexes {
			indexes = append(indexes, string(k))
		}
		output.Hits = append(output.Hits, HitOutput{
			Key:          h.SourceKey,
			Text:         h.DisplayText,
			Score:        h.FusedScore,
			Indexes:      indexes,
			Corroborated: h.Corroborated(),
		})
	}

	s.logger.Info("retrieve served",
		slog.String("trace_id", result.TraceID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("hits", len(output.Hits)),
		slog.String("confidence", output.Confidence))

	return nil, output, nil
}

// IndexingStatusInput is empty; the tool takes no arguments.
type IndexingStatusInput struct{}

// IndexingStatusOutput reports per-handler indexing progress.
type IndexingStatusOutput struct {
	Handlers map[string]HandlerStatusOutput `json:"handlers" jsonschema:"status per indexer, keyed by handler name"`
	Embedder EmbedderInfo                   `json:"embedder" jsonschema:"active embedding provider"`
}

// HandlerStatusOutput is one indexer's snapshot.
type HandlerStatusOutput struct {
	State     string `json:"state" jsonschema:"idle, fetching, embedding, or upserting"`
	Total     int    `json:"total" jsonschema:"total source items across conversations"`
	Indexed   int    `json:"indexed" jsonschema:"items already indexed"`
	Pending   int    `json:"pending" jsonschema:"items waiting to be indexed"`
	Processed int    `json:"processed,omitempty" jsonschema:"items processed since startup"`
	Failed    int    `json:"failed,omitempty" jsonschema:"items that failed since startup"`
	Backoffs  int    `json:"backoffs,omitempty" jsonschema:"rate-limit pauses since startup"`
}

// EmbedderInfo describes the active embedder.
type EmbedderInfo struct {
	Model      string `json:"model" jsonschema:"embedding model name"`
	Dimensions int    `json:"dimensions" jsonschema:"vector dimensionality"`
	Available  bool   `json:"available" jsonschema:"whether the provider responded to a health probe"`
}

func (s *Server) indexingStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexingStatusInput) (
	*mcp.CallToolResult,
	*IndexingStatusOutput,
	error,
) {
	statuses, err := s.indexer.Status(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}

	output := &IndexingStatusOutput{
		Handlers: make(map[string]HandlerStatusOutput, len(statuses)),
	}
	for name, st := range statuses {
		hs := HandlerStatusOutput{
			State:   string(st.State),
			Total:   st.Total,
			Indexed: st.Indexed,
			Pending: st.Pending,
		}
		if s.counters != nil {
			c := s.counters.Handler(name)
			hs.Processed = c.Processed
			hs.Failed = c.Failed
			hs.Backoffs = c.Backoffs
		}
		output.Handlers[name] = hs
	}

	if s.embedder != nil {
		output.Embedder = EmbedderInfo{
			Model:      s.embedder.ModelName(),
			Dimensions: s.embedder.Dimensions(),
			Available:  s.embedder.Available(ctx),
		}
	}
	return nil, output, nil
}

// ReindexInput is the reindex tool's input schema.
type ReindexInput struct {
	Target  string `json:"target" jsonschema:"conversation id to rebuild, or '*' for all"`
	Confirm bool   `json:"confirm" jsonschema:"must be true; reindexing drops the existing indexes"`
}

// ReindexOutput acknowledges a rebuild.
type ReindexOutput struct {
	Target  string `json:"target" jsonschema:"what was rebuilt"`
	Message string `json:"message" jsonschema:"human-readable outcome"`
}

func (s *Server) reindexHandler(ctx context.Context, _ *mcp.CallToolRequest, input ReindexInput) (
	*mcp.CallToolResult,
	ReindexOutput,
	error,
) {
	if strings.TrimSpace(input.Target) == "" {
		return nil, ReindexOutput{}, NewInvalidParamsError("target parameter is required ('*' for all conversations)")
	}
	if !input.Confirm {
		return nil, ReindexOutput{}, NewInvalidParamsError(
			"reindex drops the existing indexes; set confirm=true to proceed")
	}

	s.logger.Warn("reindex requested", slog.String("target", input.Target))
	if err := s.indexer.ReindexAll(ctx, input.Target); err != nil {
		return nil, ReindexOutput{}, MapError(err)
	}

	msg := "indexes rebuilt for conversation " + input.Target
	if input.Target == index.ReindexAllTarget {
		msg = "indexes rebuilt for all conversations"
	}
	return nil, ReindexOutput{Target: input.Target, Message: msg}, nil
}
