package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"scribe/internal/models"
)

// Fixed keys of the local key-value fallback.
const (
	KeyChatHistory   = "scribe_chat_history"
	KeySlashCommands = "scribe_slash_commands"
	KeySavedMessages = "scribe_saved_messages"
)

// MaxLocalConversations caps the local chat history.
const MaxLocalConversations = 50

// LocalStore is the key-value fallback backend, the equivalent of browser
// local storage: every key holds a JSON array. With a path the map is
// flushed to disk after each write; without one it lives in memory.
type LocalStore struct {
	mu   sync.RWMutex
	path string
	kv   map[string]json.RawMessage
}

// NewLocal opens (or creates) the local store at path. An unreadable or
// corrupt file is treated as empty.
func NewLocal(path string) *LocalStore {
	s := &LocalStore{path: path, kv: make(map[string]json.RawMessage)}
	if path == "" {
		return s
	}
	if b, err := os.ReadFile(path); err == nil {
		var kv map[string]json.RawMessage
		if json.Unmarshal(b, &kv) == nil && kv != nil {
			s.kv = kv
		}
	}
	return s
}

// getLocked decodes key into v. Callers hold s.mu.
func (s *LocalStore) getLocked(key string, v any) error {
	raw, ok := s.kv[key]
	if !ok || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("local store %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) get(key string, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(key, v)
}

// setLocked stores v under key and flushes. Callers hold s.mu for writing.
func (s *LocalStore) setLocked(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.kv[key] = raw
	return s.flushLocked()
}

func (s *LocalStore) flushLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(s.kv)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Conversations

func (s *LocalStore) conversationsLocked() ([]models.StoredConversation, error) {
	var list []models.StoredConversation
	err := s.getLocked(KeyChatHistory, &list)
	return list, err
}

func (s *LocalStore) conversations() ([]models.StoredConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationsLocked()
}

// SaveConversation upserts by id, keeps the list sorted by UpdatedAt
// (newest first) and trims it to MaxLocalConversations.
func (s *LocalStore) SaveConversation(_ context.Context, _ string, c models.StoredConversation) error {
	if c.ID == "" {
		return errors.New("local store: conversation id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.conversationsLocked()
	if err != nil {
		list = nil
	}
	out := make([]models.StoredConversation, 0, len(list)+1)
	out = append(out, c)
	for _, existing := range list {
		if existing.ID != c.ID {
			out = append(out, existing)
		}
	}
	sortConversations(out)
	if len(out) > MaxLocalConversations {
		out = out[:MaxLocalConversations]
	}
	return s.setLocked(KeyChatHistory, out)
}

func sortConversations(list []models.StoredConversation) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
}

func (s *LocalStore) ListConversations(_ context.Context, _ string) ([]models.StoredConversation, error) {
	list, err := s.conversations()
	if err != nil {
		return nil, err
	}
	sortConversations(list)
	return list, nil
}

func (s *LocalStore) GetConversation(_ context.Context, _ string, id string) (models.StoredConversation, error) {
	list, err := s.conversations()
	if err != nil {
		return models.StoredConversation{}, err
	}
	for _, c := range list {
		if c.ID == id {
			return c, nil
		}
	}
	return models.StoredConversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
}

func (s *LocalStore) DeleteConversation(_ context.Context, _ string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.conversationsLocked()
	if err != nil {
		return err
	}
	out := list[:0]
	for _, c := range list {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return s.setLocked(KeyChatHistory, out)
}

// Slash commands

func (s *LocalStore) SaveSlashCommand(_ context.Context, _ string, c models.SlashCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.SlashCommand
	if err := s.getLocked(KeySlashCommands, &list); err != nil {
		list = nil
	}
	replaced := false
	for i := range list {
		if list[i].ID == c.ID {
			list[i] = c
			replaced = true
		}
	}
	if !replaced {
		list = append(list, c)
	}
	return s.setLocked(KeySlashCommands, list)
}

func (s *LocalStore) ListSlashCommands(_ context.Context, _ string) ([]models.SlashCommand, error) {
	var list []models.SlashCommand
	err := s.get(KeySlashCommands, &list)
	return list, err
}

func (s *LocalStore) DeleteSlashCommand(_ context.Context, _ string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.SlashCommand
	if err := s.getLocked(KeySlashCommands, &list); err != nil {
		return err
	}
	out := list[:0]
	for _, c := range list {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return s.setLocked(KeySlashCommands, out)
}

// Saved messages

func (s *LocalStore) SaveMessage(_ context.Context, _ string, m models.SavedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.SavedMessage
	if err := s.getLocked(KeySavedMessages, &list); err != nil {
		list = nil
	}
	out := []models.SavedMessage{m}
	for _, existing := range list {
		if existing.ID != m.ID {
			out = append(out, existing)
		}
	}
	return s.setLocked(KeySavedMessages, out)
}

func (s *LocalStore) ListSavedMessages(_ context.Context, _ string) ([]models.SavedMessage, error) {
	var list []models.SavedMessage
	if err := s.get(KeySavedMessages, &list); err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.After(list[j].Timestamp) })
	return list, nil
}

func (s *LocalStore) DeleteSavedMessage(_ context.Context, _ string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.SavedMessage
	if err := s.getLocked(KeySavedMessages, &list); err != nil {
		return err
	}
	out := list[:0]
	for _, m := range list {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return s.setLocked(KeySavedMessages, out)
}
