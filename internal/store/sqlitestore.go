package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	mylog "scribe/internal/log"
	"scribe/internal/models"
	sqlm "scribe/internal/storage/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the primary, user-scoped relational backend:
// conversations 1:N conversation_messages, plus slash commands and saved
// messages.
type SQLiteStore struct {
	db  *sql.DB
	log *mylog.Logger
	// deleteRow removes one message row; replaced in tests.
	deleteRow func(ctx context.Context, rowID string) error
}

func NewSQLite(path string, lg *mylog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := (sqlm.Manager{}).UpToLatest(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	if lg == nil {
		lg = mylog.Discard()
	}
	s := &SQLiteStore{db: db, log: lg}
	s.deleteRow = s.deleteMessageRow
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes underlying *sql.DB for maintenance helpers.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// WithTx commits on nil error and rolls back otherwise. The callback must
// not hold the tx beyond return.
func (s *SQLiteStore) WithTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveConversation writes the conversation using replace-by-recreate: the
// new message rows are committed under fresh ids first, then the previous
// rows are deleted one at a time. A failed deletion is logged and skipped;
// the new rows are already durable.
func (s *SQLiteStore) SaveConversation(ctx context.Context, userID string, c models.StoredConversation) error {
	if userID == "" {
		return errors.New("sqlite store: user id required")
	}
	if c.ID == "" {
		return errors.New("sqlite store: conversation id required")
	}
	owner, err := s.ownerOf(ctx, c.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && owner != userID {
		return fmt.Errorf("conversation %s: %w", c.ID, ErrNotFound)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	oldIDs, err := s.messageRowIDs(ctx, c.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	err = s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO conversations(id,user_id,title,agent_mode,created_at,updated_at) VALUES(?,?,?,?,?,?)
            ON CONFLICT(id) DO UPDATE SET title=excluded.title, agent_mode=excluded.agent_mode, updated_at=excluded.updated_at`,
			c.ID, userID, c.Title, string(c.AgentMode), now, c.UpdatedAt.UTC().Format(timeLayout))
		if err != nil {
			return err
		}
		for i, m := range c.Messages {
			payload, err := json.Marshal(m)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO conversation_messages(id,conv_id,message_id,ord,role,content,payload,created_at) VALUES(?,?,?,?,?,?,?,?)`,
				uuid.NewString(), c.ID, m.ID, i, string(m.Role), m.Content, string(payload), now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range oldIDs {
		if err := s.deleteRow(ctx, id); err != nil {
			s.log.Warn("store.delete_old_message_failed", "conversation", c.ID, "row", id, "err", err)
		}
	}
	return nil
}

func (s *SQLiteStore) deleteMessageRow(ctx context.Context, rowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE id=?`, rowID)
	return err
}

func (s *SQLiteStore) ownerOf(ctx context.Context, convID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM conversations WHERE id=?`, convID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return owner, err
}

func (s *SQLiteStore) messageRowIDs(ctx context.Context, convID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversation_messages WHERE conv_id=?`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// loadMessages returns the messages of the most recent write batch in
// order. Rows left behind by a skipped deletion belong to an older batch and
// are ignored.
func (s *SQLiteStore) loadMessages(ctx context.Context, convID string) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, payload FROM conversation_messages
        WHERE conv_id=? AND created_at=(SELECT MAX(created_at) FROM conversation_messages WHERE conv_id=?)
        ORDER BY ord`, convID, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChatMessage
	for rows.Next() {
		var msgID, payload string
		if err := rows.Scan(&msgID, &payload); err != nil {
			return nil, err
		}
		var m models.ChatMessage
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			s.log.Warn("store.bad_message_payload", "conversation", convID, "message", msgID, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]models.StoredConversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, agent_mode, updated_at FROM conversations WHERE user_id=? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	var out []models.StoredConversation
	for rows.Next() {
		var c models.StoredConversation
		var title, mode, updated sql.NullString
		if err := rows.Scan(&c.ID, &title, &mode, &updated); err != nil {
			rows.Close()
			return nil, err
		}
		c.Title, c.AgentMode = title.String, models.AgentMode(mode.String)
		if t, err := time.Parse(timeLayout, updated.String); err == nil {
			c.UpdatedAt = t
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		msgs, err := s.loadMessages(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Messages = msgs
	}
	return out, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, userID, id string) (models.StoredConversation, error) {
	var c models.StoredConversation
	var title, mode, updated sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, title, agent_mode, updated_at FROM conversations WHERE id=? AND user_id=?`, id, userID).
		Scan(&c.ID, &title, &mode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return c, err
	}
	c.Title, c.AgentMode = title.String, models.AgentMode(mode.String)
	if t, err := time.Parse(timeLayout, updated.String); err == nil {
		c.UpdatedAt = t
	}
	c.Messages, err = s.loadMessages(ctx, id)
	return c, err
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, id string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id=? AND user_id=?`, id, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conv_id=?`, id)
		return err
	})
}

// CleanupConversations deletes non-pinned conversations older than ttlDays
// and their messages.
func (s *SQLiteStore) CleanupConversations(ttlDays int) (int, error) {
	if ttlDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -ttlDays).UTC().Format(timeLayout)
	rows, err := s.db.Query(`SELECT id FROM conversations WHERE pinned=0 AND COALESCE(updated_at, created_at) <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}
	err = s.WithTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM conversation_messages WHERE conv_id=?`, id); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM conversations WHERE id=?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Slash commands

func (s *SQLiteStore) SaveSlashCommand(ctx context.Context, userID string, c models.SlashCommand) error {
	if c.ID == "" {
		return errors.New("sqlite store: slash command id required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO slash_commands(id,user_id,label,content,created_at) VALUES(?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET label=excluded.label, content=excluded.content WHERE slash_commands.user_id=excluded.user_id`,
		c.ID, userID, c.Label, c.Content, time.Now().UTC().Format(timeLayout))
	return err
}

func (s *SQLiteStore) ListSlashCommands(ctx context.Context, userID string) ([]models.SlashCommand, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, label, content FROM slash_commands WHERE user_id=? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SlashCommand
	for rows.Next() {
		var c models.SlashCommand
		if err := rows.Scan(&c.ID, &c.Label, &c.Content); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSlashCommand(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM slash_commands WHERE id=? AND user_id=?`, id, userID)
	return err
}

// Saved messages

func (s *SQLiteStore) SaveMessage(ctx context.Context, userID string, m models.SavedMessage) error {
	if m.ID == "" {
		return errors.New("sqlite store: saved message id required")
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO saved_messages(id,user_id,message_id,conversation_id,content,role,preview,saved_at) VALUES(?,?,?,?,?,?,?,?)`,
		m.ID, userID, m.MessageID, m.ConversationID, m.Content, string(m.Role), m.Preview, ts.UTC().Format(timeLayout))
	return err
}

func (s *SQLiteStore) ListSavedMessages(ctx context.Context, userID string) ([]models.SavedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, conversation_id, content, role, preview, saved_at FROM saved_messages WHERE user_id=? ORDER BY saved_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SavedMessage
	for rows.Next() {
		var m models.SavedMessage
		var role, preview, savedAt sql.NullString
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ConversationID, &m.Content, &role, &preview, &savedAt); err != nil {
			return nil, err
		}
		m.Role, m.Preview = models.Role(role.String), preview.String
		if t, err := time.Parse(timeLayout, savedAt.String); err == nil {
			m.Timestamp = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSavedMessage(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM saved_messages WHERE id=? AND user_id=?`, id, userID)
	return err
}
