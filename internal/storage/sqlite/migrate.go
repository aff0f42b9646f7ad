package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrator applies the base schema (version 1). Caller provides opened *sql.DB.
type Migrator struct{}

func (m Migrator) Up(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            title TEXT,
            agent_mode TEXT,
            pinned INTEGER DEFAULT 0,
            created_at TEXT NOT NULL,
            updated_at TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at);`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
            id TEXT PRIMARY KEY,
            conv_id TEXT NOT NULL,
            message_id TEXT NOT NULL,
            ord INTEGER NOT NULL,
            role TEXT NOT NULL,
            content TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at TEXT NOT NULL,
            FOREIGN KEY(conv_id) REFERENCES conversations(id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conv_id, ord);`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
