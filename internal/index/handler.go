// Package index keeps the vector indexes current: two handlers (one
// per index) turn raw messages and derived windows into embedded
// records, and the orchestrator drives them on a schedule with
// batching, per-handler rate-limit backoff, and at-least-once cursors.
package index

import (
	"context"
	"strconv"

	"github.com/chatrecall/chatrecall/internal/convo"
	"github.com/chatrecall/chatrecall/internal/store"
)

// DefaultBatchSize bounds one fetch per handler pass.
const DefaultBatchSize = 64

// Item is one unit of indexable work: the rendered text plus the keys
// and payload its vector record needs.
type Item struct {
	// SourceKey is the message id or window center id; the cursor
	// advances past it after a successful upsert.
	SourceKey int64

	// RecordKey keys the vector store record.
	RecordKey string

	// Text is the rendered content sent to the embedder.
	Text string

	// Payload is stored alongside the vector.
	Payload store.Payload
}

// Handler is one indexer. Fetch returns rendered items in cursor
// order; the orchestrator embeds and upserts them uniformly.
type Handler interface {
	// Name identifies the handler in cursors, metrics, and logs.
	Name() string

	// Kind names the index partition family the handler feeds.
	Kind() store.IndexKind

	// Fetch returns up to limit items with SourceKey > afterKey, in
	// chronological order.
	Fetch(ctx context.Context, conversationID string, afterKey int64, limit int) ([]Item, error)
}

// MessageHandler feeds the message-level index, one record per raw
// message rendered as "author: text".
type MessageHandler struct {
	source convo.MessageSource
}

var _ Handler = (*MessageHandler)(nil)

// NewMessageHandler creates the message indexer.
func NewMessageHandler(source convo.MessageSource) *MessageHandler {
	return &MessageHandler{source: source}
}

// Name implements Handler.
func (h *MessageHandler) Name() string { return "message" }

// Kind implements Handler.
func (h *MessageHandler) Kind() store.IndexKind { return store.IndexMessages }

// Fetch implements Handler.
func (h *MessageHandler) Fetch(ctx context.Context, conversationID string, afterKey int64, limit int) ([]Item, error) {
	messages, err := h.source.Fetch(ctx, conversationID, afterKey, limit)
	if err != nil {
		return nil, err
	}

	items := make([]Item, len(messages))
	for i, m := range messages {
		rendered := m.Render()
		items[i] = Item{
			SourceKey: m.MessageID,
			RecordKey: strconv.FormatInt(m.MessageID, 10),
			Text:      rendered,
			Payload: store.Payload{
				ConversationID: m.ConversationID,
				SourceKey:      m.MessageID,
				DisplayText:    rendered,
				AuthorName:     m.AuthorName,
				Timestamp:      m.Timestamp.Unix(),
			},
		}
	}
	return items, nil
}

// WindowStore persists derived windows so retrieval can expand message
// hits by membership. Implemented by the SQLite message store.
type WindowStore interface {
	SaveWindows(ctx context.Context, windows []convo.Window) error
}

// WindowHandler feeds the window-level index. Each pass re-reads a
// lookback of messages before the cursor so windows spanning the
// cursor boundary are still formed, then windows everything newer than
// the cursor.
type WindowHandler struct {
	source    convo.MessageSource
	windows   WindowStore
	segmenter *convo.Segmenter
}

var _ Handler = (*WindowHandler)(nil)

// NewWindowHandler creates the window indexer.
func NewWindowHandler(source convo.MessageSource, windows WindowStore, segmenter *convo.Segmenter) *WindowHandler {
	if segmenter == nil {
		segmenter = convo.NewSegmenter(convo.DefaultSegmenterConfig())
	}
	return &WindowHandler{source: source, windows: windows, segmenter: segmenter}
}

// Name implements Handler.
func (h *WindowHandler) Name() string { return "window" }

// Kind implements Handler.
func (h *WindowHandler) Kind() store.IndexKind { return store.IndexWindows }

// Fetch implements Handler. The cursor is the last indexed center
// message id; segmentation suppresses windows at or before it, so
// re-fetching the lookback region never re-emits old windows.
func (h *WindowHandler) Fetch(ctx context.Context, conversationID string, afterKey int64, limit int) ([]Item, error) {
	cfg := h.segmenter.Config()

	lookback, err := h.source.FetchBefore(ctx, conversationID, afterKey, cfg.MaxWindowSize)
	if err != nil {
		return nil, err
	}
	// Enough new messages to form `limit` windows plus one tail.
	fetchLimit := limit*cfg.Step + cfg.MaxWindowSize
	fresh, err := h.source.Fetch(ctx, conversationID, afterKey, fetchLimit)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	windows := h.segmenter.Windows(append(lookback, fresh...), afterKey)
	if len(windows) > limit {
		windows = windows[:limit]
	}
	if len(windows) == 0 {
		return nil, nil
	}

	if h.windows != nil {
		// Membership is a derived cache too; saving before the upsert
		// is safe because recomputation overwrites by center key.
		if err := h.windows.SaveWindows(ctx, windows); err != nil {
			return nil, err
		}
	}

	items := make([]Item, len(windows))
	for i, w := range windows {
		items[i] = Item{
			SourceKey: w.CenterID,
			RecordKey: w.Key(),
			Text:      w.Text,
			Payload: store.Payload{
				ConversationID: w.ConversationID,
				SourceKey:      w.CenterID,
				DisplayText:    w.Text,
			},
		}
	}
	return items, nil
}
