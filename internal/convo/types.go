// Package convo defines the conversation data model and the dialog
// segmenter that derives overlapping windows from a raw message stream.
package convo

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one raw group-chat message. Immutable once indexed except
// for author-name corrections, which re-enqueue the message for
// re-indexing so the rename reaches index payloads.
type Message struct {
	ConversationID string
	MessageID      int64
	AuthorID       string
	AuthorName     string
	Text           string
	Timestamp      time.Time
}

// Render returns the "author: text" line used for embedding and display.
func (m Message) Render() string {
	return m.AuthorName + ": " + m.Text
}

// Window is a contiguous span of one dialog, embedded as a single unit to
// preserve conversational context. Its identity key is
// (ConversationID, CenterID): upserting a window with the same center
// replaces the previous one, so recomputation is idempotent.
type Window struct {
	ConversationID string
	CenterID       int64
	StartID        int64
	EndID          int64
	MemberIDs      []int64
	Text           string
	Size           int
}

// Key returns the window's stable identity within its conversation.
func (w Window) Key() string {
	return fmt.Sprintf("%s/%d", w.ConversationID, w.CenterID)
}

// newWindow builds a Window over members, which must be in timestamp order.
// The center is the member at index len/2.
func newWindow(members []Message) Window {
	ids := make([]int64, len(members))
	lines := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.MessageID
		lines[i] = m.Render()
	}
	return Window{
		ConversationID: members[0].ConversationID,
		CenterID:       members[len(members)/2].MessageID,
		StartID:        members[0].MessageID,
		EndID:          members[len(members)-1].MessageID,
		MemberIDs:      ids,
		Text:           strings.Join(lines, "\n"),
		Size:           len(members),
	}
}

// MessageSource supplies time-ordered messages for indexing, resumable
// from a cursor. Implemented by the SQLite message store; external
// ingestion transports sit behind it.
type MessageSource interface {
	// Fetch returns up to limit messages with MessageID > afterKey,
	// ordered by timestamp (ties by MessageID).
	Fetch(ctx context.Context, conversationID string, afterKey int64, limit int) ([]Message, error)

	// FetchBefore returns up to limit messages with MessageID <= beforeKey,
	// in timestamp order. Used for window lookback across a resume cursor.
	FetchBefore(ctx context.Context, conversationID string, beforeKey int64, limit int) ([]Message, error)

	// Conversations lists all known conversation IDs.
	Conversations(ctx context.Context) ([]string, error)
}
