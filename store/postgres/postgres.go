// Package postgres implements chatbranch.Store on top of PostgreSQL,
// storing branching structure (children_ids, tool_calls, attachments) as
// JSONB columns.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/chatbranch"
)

// Store implements chatbranch.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ chatbranch.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS characters (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			character_id TEXT,
			model TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			parent_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			thinking_content TEXT NOT NULL DEFAULT '',
			attachments JSONB,
			tool_calls JSONB,
			tool_call_id TEXT,
			children_ids JSONB,
			active_child_index INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_character ON chats(character_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Chats ---

func (s *Store) CreateChat(ctx context.Context, chat chatbranch.Chat) error {
	var characterID *string
	if chat.CharacterID != "" {
		characterID = &chat.CharacterID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, title, character_id, model, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		chat.ID, chat.Title, characterID, chat.Model, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, id string) (chatbranch.Chat, error) {
	var chat chatbranch.Chat
	var characterID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, character_id, model, created_at, updated_at FROM chats WHERE id = $1`, id,
	).Scan(&chat.ID, &chat.Title, &characterID, &chat.Model, &chat.CreatedAt, &chat.UpdatedAt)
	if err == pgx.ErrNoRows {
		return chatbranch.Chat{}, chatbranch.NotFound(fmt.Sprintf("chat %q not found", id))
	}
	if err != nil {
		return chatbranch.Chat{}, fmt.Errorf("postgres: get chat: %w", err)
	}
	if characterID != nil {
		chat.CharacterID = *characterID
	}
	return chat, nil
}

func (s *Store) ListChats(ctx context.Context, limit int) ([]chatbranch.Chat, error) {
	query := `SELECT id, title, character_id, model, created_at, updated_at FROM chats ORDER BY updated_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chats: %w", err)
	}
	defer rows.Close()

	var chats []chatbranch.Chat
	for rows.Next() {
		var chat chatbranch.Chat
		var characterID *string
		if err := rows.Scan(&chat.ID, &chat.Title, &characterID, &chat.Model, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan chat: %w", err)
		}
		if characterID != nil {
			chat.CharacterID = *characterID
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET title = $1, character_id = $2, model = $3, updated_at = $4 WHERE id = $5`,
		chat.Title, characterID, chat.Model, chat.UpdatedAt, chat.ID)
	if err != nil {
		return fmt.Errorf("postgres: update chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chatbranch.NotFound(fmt.Sprintf("chat %q not found", chat.ID))
	}
	return nil
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete chat messages: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chatbranch.NotFound(fmt.Sprintf("chat %q not found", id))
	}
	return tx.Commit(ctx)
}

// --- Characters ---

func (s *Store) CreateCharacter(ctx context.Context, c chatbranch.Character) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO characters (id, name, system_prompt, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.SystemPrompt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create character: %w", err)
	}
	return nil
}

func (s *Store) GetCharacter(ctx context.Context, id string) (chatbranch.Character, error) {
	var c chatbranch.Character
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, system_prompt, created_at FROM characters WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.SystemPrompt, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return chatbranch.Character{}, chatbranch.NotFound(fmt.Sprintf("character %q not found", id))
	}
	if err != nil {
		return chatbranch.Character{}, fmt.Errorf("postgres: get character: %w", err)
	}
	return c, nil
}

func (s *Store) ListCharacters(ctx context.Context) ([]chatbranch.Character, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, system_prompt, created_at FROM characters ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list characters: %w", err)
	}
	defer rows.Close()

	var out []chatbranch.Character
	for rows.Next() {
		var c chatbranch.Character
		if err := rows.Scan(&c.ID, &c.Name, &c.SystemPrompt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan character: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM characters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete character: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chatbranch.NotFound(fmt.Sprintf("character %q not found", id))
	}
	return nil
}

// --- Messages ---

func (s *Store) AddMessage(ctx context.Context, msg chatbranch.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	attachmentsJSON, err := marshalOrNil(msg.Attachments)
	if err != nil {
		return fmt.Errorf("postgres: marshal attachments: %w", err)
	}
	toolCallsJSON, err := marshalOrNil(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("postgres: marshal tool calls: %w", err)
	}
	childrenJSON, err := marshalOrNil(msg.ChildrenIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal children ids: %w", err)
	}

	var parentID, toolCallID *string
	if msg.ParentID != "" {
		parentID = &msg.ParentID
	}
	if msg.ToolCallID != "" {
		toolCallID = &msg.ToolCallID
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, parent_id, role, content, thinking_content, attachments, tool_calls, tool_call_id, children_ids, active_child_index, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ID, msg.ChatID, parentID, msg.Role, msg.Content, msg.ThinkingContent,
		attachmentsJSON, toolCallsJSON, toolCallID, childrenJSON, msg.ActiveChildIndex, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: add message: %w", err)
	}

	if msg.ParentID != "" {
		if err := appendChildLocked(ctx, tx, msg.ParentID, msg.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func appendChildLocked(ctx context.Context, tx pgx.Tx, parentID, childID string) error {
	var childrenJSON []byte
	err := tx.QueryRow(ctx, `SELECT children_ids FROM messages WHERE id = $1 FOR UPDATE`, parentID).Scan(&childrenJSON)
	if err == pgx.ErrNoRows {
		return chatbranch.NotFound(fmt.Sprintf("parent message %q not found", parentID))
	}
	if err != nil {
		return fmt.Errorf("postgres: read parent children: %w", err)
	}

	var children []string
	if len(childrenJSON) > 0 {
		if err := json.Unmarshal(childrenJSON, &children); err != nil {
			return fmt.Errorf("postgres: unmarshal children ids: %w", err)
		}
	}
	children = append(children, childID)
	newIndex := len(children) - 1

	newJSON, err := json.Marshal(children)
	if err != nil {
		return fmt.Errorf("postgres: marshal children ids: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE messages SET children_ids = $1, active_child_index = $2 WHERE id = $3`,
		newJSON, newIndex, parentID)
	if err != nil {
		return fmt.Errorf("postgres: update parent children: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (chatbranch.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chat_id, parent_id, role, content, thinking_content, attachments, tool_calls, tool_call_id, children_ids, active_child_index, created_at
		 FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return chatbranch.Message{}, chatbranch.NotFound(fmt.Sprintf("message %q not found", id))
	}
	if err != nil {
		return chatbranch.Message{}, fmt.Errorf("postgres: get message: %w", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]chatbranch.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, parent_id, role, content, thinking_content, attachments, tool_calls, tool_call_id, children_ids, active_child_index, created_at
		 FROM messages WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var out []chatbranch.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// rowScanner abstracts pgx.Row and pgx.Rows so scanMessage works for both.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chatbranch.Message, error) {
	var msg chatbranch.Message
	var parentID, toolCallID *string
	var attachmentsJSON, toolCallsJSON, childrenJSON []byte

	err := row.Scan(
		&msg.ID, &msg.ChatID, &parentID, &msg.Role, &msg.Content, &msg.ThinkingContent,
		&attachmentsJSON, &toolCallsJSON, &toolCallID, &childrenJSON, &msg.ActiveChildIndex, &msg.CreatedAt,
	)
	if err != nil {
		return chatbranch.Message{}, err
	}

	if parentID != nil {
		msg.ParentID = *parentID
	}
	if toolCallID != nil {
		msg.ToolCallID = *toolCallID
	}
	if len(attachmentsJSON) > 0 {
		if err := json.Unmarshal(attachmentsJSON, &msg.Attachments); err != nil {
			return chatbranch.Message{}, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if len(toolCallsJSON) > 0 {
		if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
			return chatbranch.Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if len(childrenJSON) > 0 {
		if err := json.Unmarshal(childrenJSON, &msg.ChildrenIDs); err != nil {
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
	_, err = s.pool.Exec(ctx, `UPDATE messages SET active_child_index = $1 WHERE id = $2`, idx, parentID)
	if err != nil {
		return fmt.Errorf("postgres: set active child: %w", err)
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT id, chat_id, parent_id, role, content, thinking_content, attachments, tool_calls, tool_call_id, children_ids, active_child_index, created_at
		 FROM messages WHERE id = $1`, id)
	target, err := scanMessage(row)
	if err == pgx.ErrNoRows {
		return chatbranch.NotFound(fmt.Sprintf("message %q not found", id))
	}
	if err != nil {
		return fmt.Errorf("postgres: get message: %w", err)
	}

	toDelete, err := collectSubtree(ctx, tx, target.ChatID, id)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = ANY($1)`, toDelete); err != nil {
		return fmt.Errorf("postgres: delete messages: %w", err)
	}

	if target.ParentID != "" {
		if err := removeChildLocked(ctx, tx, target.ParentID, id); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// collectSubtree returns id and every descendant of id within chatID via a
// breadth-first walk of children_ids, so DeleteMessage can cascade without
// relying on a foreign key (children_ids is a JSONB array of ids, not a
// relational reference Postgres can cascade on its own).
func collectSubtree(ctx context.Context, tx pgx.Tx, chatID, rootID string) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT id, children_ids FROM messages WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan chat for subtree: %w", err)
	}
	defer rows.Close()

	childrenOf := make(map[string][]string)
	for rows.Next() {
		var id string
		var childrenJSON []byte
		if err := rows.Scan(&id, &childrenJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan subtree row: %w", err)
		}
		var children []string
		if len(childrenJSON) > 0 {
			if err := json.Unmarshal(childrenJSON, &children); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal children ids: %w", err)
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
func removeChildLocked(ctx context.Context, tx pgx.Tx, parentID, childID string) error {
	var childrenJSON []byte
	var activeIdx int
	err := tx.QueryRow(ctx, `SELECT children_ids, active_child_index FROM messages WHERE id = $1 FOR UPDATE`, parentID).
		Scan(&childrenJSON, &activeIdx)
	if err == pgx.ErrNoRows {
		return nil // parent already gone (e.g. deleted in the same cascade)
	}
	if err != nil {
		return fmt.Errorf("postgres: read parent children: %w", err)
	}

	var children []string
	if len(childrenJSON) > 0 {
		if err := json.Unmarshal(childrenJSON, &children); err != nil {
			return fmt.Errorf("postgres: unmarshal children ids: %w", err)
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
		return fmt.Errorf("postgres: marshal children ids: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE messages SET children_ids = $1, active_child_index = $2 WHERE id = $3`,
		newJSON, newActive, parentID)
	return err
}

func (s *Store) EditMessage(ctx context.Context, id string, content string, attachments []chatbranch.Attachment) error {
	attachmentsJSON, err := marshalOrNil(attachments)
	if err != nil {
		return fmt.Errorf("postgres: marshal attachments: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET content = $1, attachments = $2 WHERE id = $3`,
		content, attachmentsJSON, id)
	if err != nil {
		return fmt.Errorf("postgres: edit message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chatbranch.NotFound(fmt.Sprintf("message %q not found", id))
	}
	return nil
}

// marshalOrNil JSON-encodes v, returning nil when v is empty so the column
// stores SQL NULL instead of "null" or "[]".
func marshalOrNil[T any](v []T) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}
