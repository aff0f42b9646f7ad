package store

import (
	"context"
	"errors"
	"sort"

	mylog "scribe/internal/log"
	"scribe/internal/models"
)

// Facade applies the two-tier policy to every operation: with a current
// user, try the primary backend and fall back to the local one on error;
// without a user, use the local backend only. Writes never return errors;
// persistence failures stop here.
type Facade struct {
	primary     Repository // may be nil
	local       Repository
	currentUser func() string
	log         *mylog.Logger
}

// NewFacade wires the backends. currentUser returns "" when nobody is
// signed in.
func NewFacade(primary, local Repository, currentUser func() string, lg *mylog.Logger) *Facade {
	if currentUser == nil {
		currentUser = func() string { return "" }
	}
	if lg == nil {
		lg = mylog.Discard()
	}
	return &Facade{primary: primary, local: local, currentUser: currentUser, log: lg}
}

func (f *Facade) user() (string, bool) {
	u := f.currentUser()
	return u, u != "" && f.primary != nil
}

// write runs op against the primary backend when a user is signed in and
// against the local backend otherwise or on failure.
func (f *Facade) write(ctx context.Context, op string, fn func(r Repository, userID string) error) {
	if uid, ok := f.user(); ok {
		err := fn(f.primary, uid)
		if err == nil {
			return
		}
		f.log.Warn("store.fallback", "op", op, "user", uid, "err", err)
	}
	if err := fn(f.local, ""); err != nil {
		f.log.Error("store.local_write_failed", "op", op, "err", err)
	}
}

// PersistConversation durably stores the conversation.
func (f *Facade) PersistConversation(ctx context.Context, c models.StoredConversation) {
	f.write(ctx, "persist_conversation", func(r Repository, uid string) error {
		return r.SaveConversation(ctx, uid, c)
	})
}

// LoadChatHistory returns stored conversations, newest first.
func (f *Facade) LoadChatHistory(ctx context.Context) []models.StoredConversation {
	list := readList(f, ctx, "load_chat_history", func(r Repository, uid string) ([]models.StoredConversation, error) {
		return r.ListConversations(ctx, uid)
	})
	sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	return list
}

// LoadConversation reads one conversation. ok is false if neither backend
// has it.
func (f *Facade) LoadConversation(ctx context.Context, id string) (models.StoredConversation, bool) {
	if uid, ok := f.user(); ok {
		c, err := f.primary.GetConversation(ctx, uid, id)
		if err == nil {
			return c, true
		}
		if !errors.Is(err, ErrNotFound) {
			f.log.Warn("store.fallback", "op", "load_conversation", "user", uid, "err", err)
		}
	}
	c, err := f.local.GetConversation(ctx, "", id)
	if err != nil {
		return models.StoredConversation{}, false
	}
	return c, true
}

func (f *Facade) DeleteConversation(ctx context.Context, id string) {
	f.write(ctx, "delete_conversation", func(r Repository, uid string) error {
		return r.DeleteConversation(ctx, uid, id)
	})
}

func (f *Facade) SaveSlashCommand(ctx context.Context, c models.SlashCommand) {
	f.write(ctx, "save_slash_command", func(r Repository, uid string) error {
		return r.SaveSlashCommand(ctx, uid, c)
	})
}

func (f *Facade) ListSlashCommands(ctx context.Context) []models.SlashCommand {
	return readList(f, ctx, "list_slash_commands", func(r Repository, uid string) ([]models.SlashCommand, error) {
		return r.ListSlashCommands(ctx, uid)
	})
}

func (f *Facade) DeleteSlashCommand(ctx context.Context, id string) {
	f.write(ctx, "delete_slash_command", func(r Repository, uid string) error {
		return r.DeleteSlashCommand(ctx, uid, id)
	})
}

func (f *Facade) SaveMessage(ctx context.Context, m models.SavedMessage) {
	f.write(ctx, "save_message", func(r Repository, uid string) error {
		return r.SaveMessage(ctx, uid, m)
	})
}

func (f *Facade) ListSavedMessages(ctx context.Context) []models.SavedMessage {
	return readList(f, ctx, "list_saved_messages", func(r Repository, uid string) ([]models.SavedMessage, error) {
		return r.ListSavedMessages(ctx, uid)
	})
}

func (f *Facade) DeleteSavedMessage(ctx context.Context, id string) {
	f.write(ctx, "delete_saved_message", func(r Repository, uid string) error {
		return r.DeleteSavedMessage(ctx, uid, id)
	})
}

// readList mirrors write: primary on success, else the local fallback,
// else empty.
func readList[T any](f *Facade, ctx context.Context, op string, fn func(r Repository, userID string) ([]T, error)) []T {
	if uid, ok := f.user(); ok {
		list, err := fn(f.primary, uid)
		if err == nil {
			return list
		}
		f.log.Warn("store.fallback", "op", op, "user", uid, "err", err)
	}
	list, err := fn(f.local, "")
	if err != nil {
		f.log.Warn("store.local_read_failed", "op", op, "err", err)
		return nil
	}
	return list
}
