// Package sqlite implements chatbranch.Store on top of pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/chatbranch"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store logs opening, Init, CreateChat and AddMessage,
// including timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements chatbranch.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ chatbranch.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler     { return d }
func (d discardHandler) WithGroup(string) slog.Handler          { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS characters (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT,
			character_id TEXT,
			model TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			parent_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			thinking_content TEXT,
			attachments TEXT,
			tool_calls TEXT,
			tool_call_id TEXT,
			children_ids TEXT,
			active_child_index INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_character ON chats(character_id)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// --- Chats ---

func (s *Store) CreateChat(ctx context.Context, chat chatbranch.Chat) error {
	start := time.Now()
	s.logger.Debug("sqlite: create chat", "id", chat.ID, "model", chat.Model)

	var characterID *string
	if chat.CharacterID != "" {
		characterID = &chat.CharacterID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, character_id, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.Title, characterID, chat.Model, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create chat failed", "id", chat.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create chat: %w", err)
	}
	s.logger.Debug("sqlite: create chat ok", "id", chat.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetChat(ctx context.Context, id string) (chatbranch.Chat, error) {
	var chat chatbranch.Chat
	var characterID sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, character_id, model, created_at, updated_at FROM chats WHERE id = ?`, id)
	err := row.Scan(&chat.ID, &chat.Title, &characterID, &chat.Model, &chat.CreatedAt, &chat.UpdatedAt)
	if err == sql.ErrNoRows {
		return chatbranch.Chat{}, chatbranch.NotFound(fmt.Sprintf("chat %q not found", id))
	}
	if err != nil {
		return chatbranch.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if characterID.Valid {
		chat.CharacterID = characterID.String
	}
	return chat, nil
}

func (s *Store) ListChats(ctx context.Context, limit int) ([]chatbranch.Chat, error) {
	query := `SELECT id, title, character_id, model, created_at, updated_at FROM chats ORDER BY updated_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []chatbranch.Chat
	for rows.Next() {
		var chat chatbranch.Chat
		var characterID sql.NullString
		if err := rows.Scan(&chat.ID, &chat.Title, &characterID, &chat.Model, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if characterID.Valid {
			chat.CharacterID = characterID.String
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *Store) UpdateChat(ctx context.Context, chat chatbranch.Chat) error {
	var characterID *string
	if chat.CharacterID != "" {
		characterID = &chat.CharacterID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, character_id = ?, model = ?, updated_at = ? WHERE id = ?`,
		chat.Title, characterID, chat.Model, chat.UpdatedAt, chat.ID,
	)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return chatbranch.NotFound(fmt.Sprintf("chat %q not found", chat.ID))
	}
	return nil
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return chatbranch.NotFound(fmt.Sprintf("chat %q not found", id))
	}
	return tx.Commit()
}

// --- Characters ---

func (s *Store) CreateCharacter(ctx context.Context, c chatbranch.Character) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (id, name, system_prompt, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.SystemPrompt, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create character: %w", err)
	}
	return nil
}

func (s *Store) GetCharacter(ctx context.Context, id string) (chatbranch.Character, error) {
	var c chatbranch.Character
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, system_prompt, created_at FROM characters WHERE id = ?`, id)
	err := row.Scan(&c.ID, &c.Name, &c.SystemPrompt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return chatbranch.Character{}, chatbranch.NotFound(fmt.Sprintf("character %q not found", id))
	}
	if err != nil {
		return chatbranch.Character{}, fmt.Errorf("get character: %w", err)
	}
	return c, nil
}

func (s *Store) ListCharacters(ctx context.Context) ([]chatbranch.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, system_prompt, created_at FROM characters ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var out []chatbranch.Character
	for rows.Next() {
		var c chatbranch.Character
		if err := rows.Scan(&c.ID, &c.Name, &c.SystemPrompt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return chatbranch.NotFound(fmt.Sprintf("character %q not found", id))
	}
	return nil
}

// --- Messages ---

func (s *Store) AddMessage(ctx context.Context, msg chatbranch.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: add message", "id", msg.ID, "chat_id", msg.ChatID, "parent_id", msg.ParentID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	attachmentsJSON, err := marshalOrNil(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	toolCallsJSON, err := marshalOrNil(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	childrenJSON, err := marshalOrNil(msg.ChildrenIDs)
	if err != nil {
		return fmt.Errorf("marshal children ids: %w", err)
	}

	var parentID, toolCallID *string
	if msg.ParentID != "" {
		parentID = &msg.ParentID
	}
	if msg.ToolCallID != "" {
		toolCallID = &msg.ToolCallID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, parent_id, role, content, thinking_content, attachments, tool_calls, tool_call_id, children_ids, active_child_index, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, parentID, msg.Role, msg.Content, msg.ThinkingContent,
		attachmentsJSON, toolCallsJSON, toolCallID, childrenJSON, msg.ActiveChildIndex, msg.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: add message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("add message: %w", err)
	}

	if msg.ParentID != "" {
		if err := appendChildLocked(ctx, tx, msg.ParentID, msg.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: add message ok", "id", msg.ID, "duration", time.Since(start))
	return nil
}

// appendChildLocked appends childID to parentID's children_ids and points
// active_child_index at it. Runs inside tx so the read-modify-write is
// atomic under the store's single-connection serialization.
func appendChildLocked(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	var childrenJSON sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT children_ids FROM messages WHERE id = ?`, parentID)
	if err := row.Scan(&childrenJSON); err != nil {
		if err == sql.ErrNoRows {
			return chatbranch.NotFound(fmt.Sprintf("parent message %q not found", parentID))
		}
		return fmt.Errorf("read parent children: %w", err)
	}

	var children []string
	if childrenJSON.Valid && childrenJSON.String != "" {
		if err := json.Unmarshal([]byte(childrenJSON.String), &children); err != nil {
			return fmt.Errorf("unmarshal children ids: %w", err)
		}
	}
	children = append(children, childID)
	newIndex := len(children) - 1

	newJSON, err := json.Marshal(children)
	if err != nil {
		return fmt.Errorf("marshal children ids: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET children_ids = ?, active_child_index = ? WHERE id = ?`,
		string(newJSON), newIndex, parentID,
	)
	if err != nil {
		return fmt.Errorf("update parent children: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (chatbranch.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, parent_id, role, content, thinking_content, attachments, tool_calls, tool_call_id, children_ids, active_child_index, created_at
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return chatbranch.Message{}, chatbranch.NotFound(fmt.Sprintf("message %q not found", id))
	}
	if err != nil {
		return chatbranch.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]chatbranch.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, parent_id, role, content, thinking_content, attachments, tool_calls, tool_call_id, children_ids, active_child_index, created_at
		 FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []chatbranch.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows so scanMessage works for both.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chatbranch.Message, error) {
	var msg chatbranch.Message
	var parentID, toolCallID, thinking sql.NullString
	var attachmentsJSON, toolCallsJSON, childrenJSON sql.NullString

	err := row.Scan(
		&msg.ID, &msg.ChatID, &parentID, &msg.Role, &msg.Content, &thinking,
		&attachmentsJSON, &toolCallsJSON, &toolCallID, &childrenJSON, &msg.ActiveChildIndex, &msg.CreatedAt,
	)
	if err != nil {
		return chatbranch.Message{}, err
	}

	if parentID.Valid {
		msg.ParentID = parentID.String
	}
	if toolCallID.Valid {
		msg.ToolCallID = toolCallID.String
	}
	if thinking.Valid {
		msg.ThinkingContent = thinking.String
	}
	if attachmentsJSON.Valid && attachmentsJSON.String != "" {
		if err := json.Unmarshal([]byte(attachmentsJSON.String), &msg.Attachments); err != nil {
			return chatbranch.Message{}, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if toolCallsJSON.Valid && toolCallsJSON.String != "" {
		if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
			return chatbranch.Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if childrenJSON.Valid && childrenJSON.String != "" {
		if err := json.Unmarshal([]byte(childrenJSON.String), &msg.ChildrenIDs); err != nil {
			return chatbranch.Message{}, fmt.Errorf("unmarshal children ids: %w", err)
		}
	}
	return msg, nil
}

func (s *Store) SetActiveChild(ctx context.Context, parentID, childID string) error {
	parent, err := s.GetMessage(ctx, parentID)
	if err != nil {
		return err
	}
	idx := -1
	for i, id := range parent.ChildrenIDs {
		if id == childID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return chatbranch.BadRequest(fmt.Sprintf("%q is not a child of %q", childID, parentID))
	}
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET active_child_index = ? WHERE id = ?`, idx, parentID)
	if err != nil {
		return fmt.Errorf("set active child: %w", err)
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT id, chat_id, parent_id, role, content, thinking_content, attachments, tool_calls, tool_call_id, children_ids, active_child_index, created_at FROM messages WHERE id = ?`, id)
	target, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return chatbranch.NotFound(fmt.Sprintf("message %q not found", id))
	}
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}

	toDelete, err := collectSubtree(ctx, tx, target.ChatID, id)
	if err != nil {
		return err
	}
	for _, descID := range toDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, descID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	}

	if target.ParentID != "" {
		if err := removeChildLocked(ctx, tx, target.ParentID, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// collectSubtree returns id and every descendant of id within chatID via a
// breadth-first walk of children_ids, so DeleteMessage can cascade without
// relying on SQLite foreign-key ON DELETE CASCADE (children_ids is a JSON
// blob, not a relational reference SQLite can cascade on its own).
func collectSubtree(ctx context.Context, tx *sql.Tx, chatID, rootID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, children_ids FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("scan chat for subtree: %w", err)
	}
	defer rows.Close()

	childrenOf := make(map[string][]string)
	for rows.Next() {
		var id string
		var childrenJSON sql.NullString
		if err := rows.Scan(&id, &childrenJSON); err != nil {
			return nil, fmt.Errorf("scan subtree row: %w", err)
		}
		var children []string
		if childrenJSON.Valid && childrenJSON.String != "" {
			if err := json.Unmarshal([]byte(childrenJSON.String), &children); err != nil {
				return nil, fmt.Errorf("unmarshal children ids: %w", err)
			}
		}
		childrenOf[id] = children
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []string
	queue := []string{rootID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		queue = append(queue, childrenOf[cur]...)
	}
	return out, nil
}

// removeChildLocked removes childID from parentID's children_ids, adjusting
// active_child_index so it still points at a valid remaining child (or 0
// when none remain).
func removeChildLocked(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	var childrenJSON sql.NullString
	var activeIdx int
	row := tx.QueryRowContext(ctx, `SELECT children_ids, active_child_index FROM messages WHERE id = ?`, parentID)
	if err := row.Scan(&childrenJSON, &activeIdx); err != nil {
		if err == sql.ErrNoRows {
			return nil // parent already gone (e.g. deleted in the same cascade)
		}
		return fmt.Errorf("read parent children: %w", err)
	}

	var children []string
	if childrenJSON.Valid && childrenJSON.String != "" {
		if err := json.Unmarshal([]byte(childrenJSON.String), &children); err != nil {
			return fmt.Errorf("unmarshal children ids: %w", err)
		}
	}

	removedIdx := -1
	remaining := make([]string, 0, len(children))
	for i, id := range children {
		if id == childID {
			removedIdx = i
			continue
		}
		remaining = append(remaining, id)
	}
	if removedIdx == -1 {
		return nil
	}

	newActive := activeIdx
	switch {
	case activeIdx == removedIdx:
		newActive = 0
	case activeIdx > removedIdx:
		newActive = activeIdx - 1
	}
	if len(remaining) == 0 {
		newActive = 0
	}

	newJSON, err := json.Marshal(remaining)
	if err != nil {
		return fmt.Errorf("marshal children ids: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET children_ids = ?, active_child_index = ? WHERE id = ?`,
		string(newJSON), newActive, parentID,
	)
	return err
}

func (s *Store) EditMessage(ctx context.Context, id string, content string, attachments []chatbranch.Attachment) error {
	attachmentsJSON, err := marshalOrNil(attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, attachments = ? WHERE id = ?`,
		content, attachmentsJSON, id,
	)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return chatbranch.NotFound(fmt.Sprintf("message %q not found", id))
	}
	return nil
}

// marshalOrNil JSON-encodes v, returning a nil *string when v is a nil or
// empty slice so the column stores SQL NULL instead of "null" or "[]".
func marshalOrNil[T any](v []T) (*string, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
