package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// HistoryStore persists conversations and their messages. One user
// message and one assistant message are written per completed query;
// partial answers from failed generations are persisted too.
type HistoryStore struct {
	db *DB
}

func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// CreateConversation registers a new chat session. Returns false when
// the chat id already exists.
func (s *HistoryStore) CreateConversation(ctx context.Context, chatID, title string) (bool, error) {
	const maxTitleLen = 120
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	_, err := s.db.SQLDB().ExecContext(ctx,
		"INSERT INTO conversations (chat_id, title, created_at) VALUES (?, ?, ?)",
		chatID, title, formatTime(time.Now()))
	if err != nil {
		var serr *sqlite.Error
		if errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return false, nil
		}
		return false, storageErr("create conversation", err)
	}
	return true, nil
}

// ConversationExists checks whether a chat id is known.
func (s *HistoryStore) ConversationExists(ctx context.Context, chatID string) (bool, error) {
	var one int
	err := s.db.SQLDB().QueryRowContext(ctx,
		"SELECT 1 FROM conversations WHERE chat_id = ?", chatID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageErr("conversation exists", err)
	}
	return true, nil
}

// AddMessage appends one turn to a conversation.
func (s *HistoryStore) AddMessage(ctx context.Context, chatID, role, content string, sources []Source) error {
	var sourcesJSON any
	if len(sources) > 0 {
		data, err := json.Marshal(sources)
		if err != nil {
			return storageErr("marshal sources", err)
		}
		sourcesJSON = string(data)
	}
	_, err := s.db.SQLDB().ExecContext(ctx,
		"INSERT INTO messages (chat_id, role, content, sources, created_at) VALUES (?, ?, ?, ?, ?)",
		chatID, role, content, sourcesJSON, formatTime(time.Now()))
	if err != nil {
		return storageErr("add message", err)
	}
	return nil
}

// RecentMessages returns the last n messages of a conversation in
// chronological order, for the generator's history window.
func (s *HistoryStore) RecentMessages(ctx context.Context, chatID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT id, chat_id, role, content, sources, created_at FROM messages
		 WHERE chat_id = ? ORDER BY id DESC LIMIT ?`, chatID, n)
	if err != nil {
		return nil, storageErr("recent messages", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Messages returns all messages of a conversation in order.
func (s *HistoryStore) Messages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT id, chat_id, role, content, sources, created_at FROM messages
		 WHERE chat_id = ? ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, storageErr("messages", err)
	}
	return collectMessages(rows)
}

// Conversations lists chat sessions, newest first.
func (s *HistoryStore) Conversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT chat_id, title, created_at FROM conversations
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, storageErr("conversations", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var created string
		if err := rows.Scan(&c.ChatID, &c.Title, &created); err != nil {
			return nil, storageErr("conversations scan", err)
		}
		if c.CreatedAt, err = parseTimeString(created); err != nil {
			return nil, storageErr("conversations time", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("conversations rows", err)
	}
	return convs, nil
}

// SearchMessages finds messages whose content matches a case-insensitive
// substring. Plain LIKE matching by design.
func (s *HistoryStore) SearchMessages(ctx context.Context, term string) ([]Message, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT id, chat_id, role, content, sources, created_at FROM messages
		 WHERE content LIKE ? COLLATE NOCASE ORDER BY id DESC LIMIT 200`,
		"%"+term+"%")
	if err != nil {
		return nil, storageErr("search messages", err)
	}
	return collectMessages(rows)
}

// Clear deletes all conversations and messages. Returns the number of
// deleted messages.
func (s *HistoryStore) Clear(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx()
	if err != nil {
		return 0, storageErr("clear history begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM messages")
	if err != nil {
		return 0, storageErr("clear messages", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("clear messages", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations"); err != nil {
		return 0, storageErr("clear conversations", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("clear history commit", err)
	}
	return int(deleted), nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var sources sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &sources, &created); err != nil {
			return nil, storageErr("messages scan", err)
		}
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &m.Sources); err != nil {
				return nil, storageErr("messages sources", err)
			}
		}
		var err error
		if m.CreatedAt, err = parseTimeString(created); err != nil {
			return nil, storageErr("messages time", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("messages rows", err)
	}
	return msgs, nil
}
