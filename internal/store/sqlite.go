package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/chatrecall/chatrecall/internal/convo"
	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

const messageSchemaVersion = 1

// MessageStore is the source of truth for raw conversation history,
// indexing cursors, and derived window membership. Vector indexes can
// always be rebuilt from it.
//
// WAL mode with a single write connection keeps concurrent readers
// (retrieval) from blocking the indexing writer.
type MessageStore struct {
	db   *sql.DB
	path string
}

var _ convo.MessageSource = (*MessageStore)(nil)

// NewMessageStore opens or creates the store at path. An empty path
// creates an in-memory store for tests.
func NewMessageStore(path string) (*MessageStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, recallerr.StorageError("create data directory", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, recallerr.StorageError("open message store", err)
	}

	// modernc.org/sqlite ignores journal params in the DSN, so pragmas
	// go through Exec. Single writer avoids lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, recallerr.StorageError("set pragma", err)
		}
	}

	s := &MessageStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MessageStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT    NOT NULL,
		message_id      INTEGER NOT NULL,
		author_id       TEXT    NOT NULL,
		author_name     TEXT    NOT NULL,
		text            TEXT    NOT NULL,
		ts              INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_order
		ON messages(conversation_id, ts, message_id);

	CREATE TABLE IF NOT EXISTS cursors (
		handler         TEXT    NOT NULL,
		conversation_id TEXT    NOT NULL,
		last_key        INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		PRIMARY KEY (handler, conversation_id)
	);

	CREATE TABLE IF NOT EXISTS windows (
		conversation_id TEXT    NOT NULL,
		center_id       INTEGER NOT NULL,
		start_id        INTEGER NOT NULL,
		end_id          INTEGER NOT NULL,
		size            INTEGER NOT NULL,
		text            TEXT    NOT NULL,
		PRIMARY KEY (conversation_id, center_id)
	);

	CREATE TABLE IF NOT EXISTS window_members (
		conversation_id TEXT    NOT NULL,
		center_id       INTEGER NOT NULL,
		message_id      INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, center_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_window_members_msg
		ON window_members(conversation_id, message_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return recallerr.StorageError("initialize schema", err)
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`,
		messageSchemaVersion); err != nil {
		return recallerr.StorageError("record schema version", err)
	}
	return nil
}

// AppendMessages inserts or replaces messages. Replace semantics make
// ingestion retries harmless.
func (s *MessageStore) AppendMessages(ctx context.Context, messages []convo.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return recallerr.StorageError("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO messages
			(conversation_id, message_id, author_id, author_name, text, ts)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return recallerr.StorageError("prepare append", err)
	}
	defer stmt.Close()

	for _, m := range messages {
		if m.ConversationID == "" || m.MessageID <= 0 {
			return recallerr.ValidationError(
				fmt.Sprintf("message needs conversation and positive id, got %q/%d", m.ConversationID, m.MessageID), nil)
		}
		if _, err := stmt.ExecContext(ctx,
			m.ConversationID, m.MessageID, m.AuthorID, m.AuthorName, m.Text, m.Timestamp.UnixNano()); err != nil {
			return recallerr.StorageError("insert message", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return recallerr.StorageError("commit append", err)
	}
	return nil
}

// Fetch implements convo.MessageSource.
func (s *MessageStore) Fetch(ctx context.Context, conversationID string, afterKey int64, limit int) ([]convo.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, message_id, author_id, author_name, text, ts
		FROM messages
		WHERE conversation_id = ? AND message_id > ?
		ORDER BY ts, message_id
		LIMIT ?`, conversationID, afterKey, limit)
	if err != nil {
		return nil, recallerr.StorageError("fetch messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FetchBefore implements convo.MessageSource: the last limit messages
// up to and including beforeKey, returned in chronological order.
func (s *MessageStore) FetchBefore(ctx context.Context, conversationID string, beforeKey int64, limit int) ([]convo.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, message_id, author_id, author_name, text, ts
		FROM messages
		WHERE conversation_id = ? AND message_id <= ?
		ORDER BY ts DESC, message_id DESC
		LIMIT ?`, conversationID, beforeKey, limit)
	if err != nil {
		return nil, recallerr.StorageError("fetch lookback", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Conversations implements convo.MessageSource.
func (s *MessageStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT conversation_id FROM messages ORDER BY conversation_id`)
	if err != nil {
		return nil, recallerr.StorageError("list conversations", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, recallerr.StorageError("scan conversation", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Messages returns specific messages by ID, in chronological order.
// Used to expand a window hit into its member messages.
func (s *MessageStore) Messages(ctx context.Context, conversationID string, ids []int64) ([]convo.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT conversation_id, message_id, author_id, author_name, text, ts
		FROM messages
		WHERE conversation_id = ? AND message_id IN (`
	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationID)
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, id)
	}
	query += ") ORDER BY ts, message_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, recallerr.StorageError("fetch messages by id", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountAfter reports how many messages in the conversation sit past the
// cursor. Drives the pending column in indexing status.
func (s *MessageStore) CountAfter(ctx context.Context, conversationID string, afterKey int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND message_id > ?`,
		conversationID, afterKey).Scan(&n)
	if err != nil {
		return 0, recallerr.StorageError("count pending", err)
	}
	return n, nil
}

// RenameAuthor updates the display name on every message the author
// wrote in the conversation and returns the affected message IDs so the
// caller can re-enqueue them for indexing.
func (s *MessageStore) RenameAuthor(ctx context.Context, conversationID, authorID, newName string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM messages
		WHERE conversation_id = ? AND author_id = ? AND author_name != ?
		ORDER BY message_id`, conversationID, authorID, newName)
	if err != nil {
		return nil, recallerr.StorageError("find author messages", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, recallerr.StorageError("scan author message", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, recallerr.StorageError("iterate author messages", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE messages SET author_name = ?
		WHERE conversation_id = ? AND author_id = ?`,
		newName, conversationID, authorID); err != nil {
		return nil, recallerr.StorageError("rename author", err)
	}
	return ids, nil
}

// PurgeConversation removes a conversation's messages, cursors, and
// windows. Vector partitions are the caller's responsibility.
func (s *MessageStore) PurgeConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return recallerr.StorageError("begin purge", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM cursors WHERE conversation_id = ?`,
		`DELETE FROM windows WHERE conversation_id = ?`,
		`DELETE FROM window_members WHERE conversation_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, conversationID); err != nil {
			return recallerr.StorageError("purge conversation", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return recallerr.StorageError("commit purge", err)
	}
	return nil
}

// Cursor returns the handler's resume key for a conversation, zero if
// none has been recorded.
func (s *MessageStore) Cursor(ctx context.Context, handler, conversationID string) (int64, error) {
	var key int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_key FROM cursors
		WHERE handler = ? AND conversation_id = ?`,
		handler, conversationID).Scan(&key)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, recallerr.New(recallerr.ErrCodeCursorState, "read cursor", err)
	}
	return key, nil
}

// SetCursor records the handler's resume key. Cursors only move
// forward; a stale write from a retried pass is ignored.
func (s *MessageStore) SetCursor(ctx context.Context, handler, conversationID string, key int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (handler, conversation_id, last_key, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (handler, conversation_id)
		DO UPDATE SET last_key = excluded.last_key, updated_at = excluded.updated_at
		WHERE excluded.last_key > cursors.last_key`,
		handler, conversationID, key, time.Now().UnixNano())
	if err != nil {
		return recallerr.New(recallerr.ErrCodeCursorState, "write cursor", err)
	}
	return nil
}

// ClearCursor removes one handler's cursor for a conversation,
// forcing that conversation to re-index from the start. This is the
// only way backwards: SetCursor never rewinds.
func (s *MessageStore) ClearCursor(ctx context.Context, handler, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cursors WHERE handler = ? AND conversation_id = ?`,
		handler, conversationID)
	if err != nil {
		return recallerr.New(recallerr.ErrCodeCursorState, "clear cursor", err)
	}
	return nil
}

// ResetCursors clears all cursors for a handler, forcing a full
// re-index on the next pass. Empty handler clears everything.
func (s *MessageStore) ResetCursors(ctx context.Context, handler string) error {
	var err error
	if handler == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM cursors`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM cursors WHERE handler = ?`, handler)
	}
	if err != nil {
		return recallerr.New(recallerr.ErrCodeCursorState, "reset cursors", err)
	}
	return nil
}

// SaveWindows persists windows and their membership. Same-center
// windows replace previous rows, keeping recomputation idempotent.
func (s *MessageStore) SaveWindows(ctx context.Context, windows []convo.Window) error {
	if len(windows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return recallerr.StorageError("begin save windows", err)
	}
	defer func() { _ = tx.Rollback() }()

	winStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO windows
			(conversation_id, center_id, start_id, end_id, size, text)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return recallerr.StorageError("prepare save windows", err)
	}
	defer winStmt.Close()

	memStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO window_members
			(conversation_id, center_id, message_id)
		VALUES (?, ?, ?)`)
	if err != nil {
		return recallerr.StorageError("prepare save members", err)
	}
	defer memStmt.Close()

	for _, w := range windows {
		if _, err := winStmt.ExecContext(ctx,
			w.ConversationID, w.CenterID, w.StartID, w.EndID, w.Size, w.Text); err != nil {
			return recallerr.StorageError("insert window", err)
		}
		// Drop stale members from a previous computation of this center.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM window_members
			WHERE conversation_id = ? AND center_id = ?`,
			w.ConversationID, w.CenterID); err != nil {
			return recallerr.StorageError("clear window members", err)
		}
		for _, id := range w.MemberIDs {
			if _, err := memStmt.ExecContext(ctx, w.ConversationID, w.CenterID, id); err != nil {
				return recallerr.StorageError("insert window member", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return recallerr.StorageError("commit save windows", err)
	}
	return nil
}

// WindowsForMessage returns every stored window containing the message.
// Used to find the windows a renamed or re-embedded message belongs to.
func (s *MessageStore) WindowsForMessage(ctx context.Context, conversationID string, messageID int64) ([]convo.Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.conversation_id, w.center_id, w.start_id, w.end_id, w.size, w.text
		FROM windows w
		JOIN window_members m
			ON m.conversation_id = w.conversation_id AND m.center_id = w.center_id
		WHERE m.conversation_id = ? AND m.message_id = ?
		ORDER BY w.center_id`, conversationID, messageID)
	if err != nil {
		return nil, recallerr.StorageError("query windows for message", err)
	}

	// The pool holds a single connection, so the window rows must be
	// fully drained and closed before the member queries can run.
	var windows []convo.Window
	for rows.Next() {
		var w convo.Window
		if err := rows.Scan(&w.ConversationID, &w.CenterID, &w.StartID, &w.EndID, &w.Size, &w.Text); err != nil {
			rows.Close()
			return nil, recallerr.StorageError("scan window", err)
		}
		windows = append(windows, w)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, recallerr.StorageError("iterate windows", err)
	}

	for i := range windows {
		members, err := s.windowMembers(ctx, windows[i].ConversationID, windows[i].CenterID)
		if err != nil {
			return nil, err
		}
		windows[i].MemberIDs = members
	}
	return windows, nil
}

// Window returns one stored window by its (conversation, center) key.
func (s *MessageStore) Window(ctx context.Context, conversationID string, centerID int64) (convo.Window, error) {
	var w convo.Window
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, center_id, start_id, end_id, size, text
		FROM windows
		WHERE conversation_id = ? AND center_id = ?`,
		conversationID, centerID).Scan(&w.ConversationID, &w.CenterID, &w.StartID, &w.EndID, &w.Size, &w.Text)
	if err == sql.ErrNoRows {
		return convo.Window{}, recallerr.New(recallerr.ErrCodeConversationUnknown,
			fmt.Sprintf("no window %s/%d", conversationID, centerID), nil)
	}
	if err != nil {
		return convo.Window{}, recallerr.StorageError("query window", err)
	}
	members, err := s.windowMembers(ctx, conversationID, centerID)
	if err != nil {
		return convo.Window{}, err
	}
	w.MemberIDs = members
	return w, nil
}

func (s *MessageStore) windowMembers(ctx context.Context, conversationID string, centerID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM window_members
		WHERE conversation_id = ? AND center_id = ?
		ORDER BY message_id`, conversationID, centerID)
	if err != nil {
		return nil, recallerr.StorageError("query window members", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, recallerr.StorageError("scan window member", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the underlying database.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]convo.Message, error) {
	var msgs []convo.Message
	for rows.Next() {
		var m convo.Message
		var ts int64
		if err := rows.Scan(&m.ConversationID, &m.MessageID, &m.AuthorID, &m.AuthorName, &m.Text, &ts); err != nil {
			return nil, recallerr.StorageError("scan message", err)
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
