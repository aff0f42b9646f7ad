package store

import (
	"context"
	"database/sql"
	"errors"

	"scribe/internal/models"
)

var ErrNotFound = errors.New("not found")

// TxRunner provides a transaction wrapper for repository operations.
type TxRunner interface {
	WithTx(fn func(*sql.Tx) error) error
}

// ConversationRepo persists conversations with their messages.
type ConversationRepo interface {
	SaveConversation(ctx context.Context, userID string, c models.StoredConversation) error
	ListConversations(ctx context.Context, userID string) ([]models.StoredConversation, error)
	GetConversation(ctx context.Context, userID, id string) (models.StoredConversation, error)
	DeleteConversation(ctx context.Context, userID, id string) error
}

// SlashCommandRepo persists user-defined slash commands.
type SlashCommandRepo interface {
	SaveSlashCommand(ctx context.Context, userID string, c models.SlashCommand) error
	ListSlashCommands(ctx context.Context, userID string) ([]models.SlashCommand, error)
	DeleteSlashCommand(ctx context.Context, userID, id string) error
}

// SavedMessageRepo persists bookmarked messages.
type SavedMessageRepo interface {
	SaveMessage(ctx context.Context, userID string, m models.SavedMessage) error
	ListSavedMessages(ctx context.Context, userID string) ([]models.SavedMessage, error)
	DeleteSavedMessage(ctx context.Context, userID, id string) error
}

// Repository is one persistence backend. The primary (SQLite) backend is
// user-scoped; the local fallback ignores userID.
type Repository interface {
	ConversationRepo
	SlashCommandRepo
	SavedMessageRepo
}
