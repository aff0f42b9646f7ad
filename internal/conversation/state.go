// Package conversation holds the live state of one open conversation.
// Only the orchestrator writes it; everything else reads snapshots.
package conversation

import (
	"sync"

	"scribe/internal/models"
)

// State is the message list plus the composer state of the next turn
// (input text, mentions, pending context blocks) and the loaded history.
type State struct {
	mu             sync.RWMutex
	conversationID string
	title          string
	messages       []models.ChatMessage
	input          string
	mentions       []models.Mentionable
	pending        []string
	history        []models.StoredConversation
	selection      models.ContextSelection
}

func New(sel models.ContextSelection) *State {
	return &State{selection: sel}
}

func (s *State) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

func (s *State) SetConversation(id, title string) {
	s.mu.Lock()
	s.conversationID, s.title = id, title
	s.mu.Unlock()
}

func (s *State) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// Messages returns a deep copy of the message list.
func (s *State) Messages() []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ChatMessage, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *State) Append(msgs ...models.ChatMessage) {
	s.mu.Lock()
	s.messages = append(s.messages, msgs...)
	s.mu.Unlock()
}

// Replace swaps the whole message list, used when loading a conversation.
func (s *State) Replace(msgs []models.ChatMessage) {
	s.mu.Lock()
	s.messages = append([]models.ChatMessage(nil), msgs...)
	s.mu.Unlock()
}

// Truncate drops message i and everything after it.
func (s *State) Truncate(i int) {
	s.mu.Lock()
	if i >= 0 && i < len(s.messages) {
		s.messages = s.messages[:i]
	}
	s.mu.Unlock()
}

// Update applies fn to the message with the given id. It reports whether
// the message exists.
func (s *State) Update(id string, fn func(m *models.ChatMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			fn(&s.messages[i])
			return true
		}
	}
	return false
}

// Find returns a copy of the message with the given id.
func (s *State) Find(id string) (models.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return models.ChatMessage{}, false
}

// LastExchange locates the last assistant message and the user message
// right before it. ok is false if either is missing.
func (s *State) LastExchange() (userIdx, assistantIdx int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assistantIdx = -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleAssistant {
			assistantIdx = i
			break
		}
	}
	if assistantIdx < 0 {
		return -1, -1, false
	}
	for i := assistantIdx - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleUser {
			return i, assistantIdx, true
		}
	}
	return -1, assistantIdx, false
}

// LastUser returns the index of the last user message or -1.
func (s *State) LastUser() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleUser {
			return i
		}
	}
	return -1
}

func (s *State) Input() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

func (s *State) SetInput(v string) {
	s.mu.Lock()
	s.input = v
	s.mu.Unlock()
}

func (s *State) Mentions() []models.Mentionable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Mentionable(nil), s.mentions...)
}

func (s *State) AddMention(m models.Mentionable) {
	s.mu.Lock()
	for _, existing := range s.mentions {
		if existing.ID == m.ID && existing.Type == m.Type {
			s.mu.Unlock()
			return
		}
	}
	s.mentions = append(s.mentions, m)
	s.mu.Unlock()
}

func (s *State) SetMentions(ms []models.Mentionable) {
	s.mu.Lock()
	s.mentions = append([]models.Mentionable(nil), ms...)
	s.mu.Unlock()
}

func (s *State) PendingContext() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pending...)
}

func (s *State) AddPendingContext(text string) {
	s.mu.Lock()
	s.pending = append(s.pending, text)
	s.mu.Unlock()
}

func (s *State) SetPendingContext(p []string) {
	s.mu.Lock()
	s.pending = append([]string(nil), p...)
	s.mu.Unlock()
}

// ClearComposer resets input, mentions and pending context.
func (s *State) ClearComposer() {
	s.mu.Lock()
	s.input = ""
	s.mentions = nil
	s.pending = nil
	s.mu.Unlock()
}

func (s *State) Selection() models.ContextSelection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

func (s *State) SetSelection(sel models.ContextSelection) {
	s.mu.Lock()
	s.selection = sel
	s.mu.Unlock()
}

func (s *State) History() []models.StoredConversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.StoredConversation(nil), s.history...)
}

func (s *State) SetHistory(h []models.StoredConversation) {
	s.mu.Lock()
	s.history = append([]models.StoredConversation(nil), h...)
	s.mu.Unlock()
}

// Reset starts a fresh conversation, keeping the context selection.
func (s *State) Reset() {
	s.mu.Lock()
	s.conversationID, s.title = "", ""
	s.messages = nil
	s.input = ""
	s.mentions = nil
	s.pending = nil
	s.mu.Unlock()
}
