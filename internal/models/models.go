package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type AgentMode string

const (
	ModeBachelor AgentMode = "bachelor"
	ModeGeneral  AgentMode = "general"
	ModeStandard AgentMode = "standard"
)

// ArbeitType is the kind of thesis the agent is guiding. Empty means none.
type ArbeitType string

const (
	ArbeitBachelor ArbeitType = "bachelor"
	ArbeitMaster   ArbeitType = "master"
	ArbeitGeneral  ArbeitType = "general"
)

type PartType string

const (
	PartText           PartType = "text"
	PartReasoning      PartType = "reasoning"
	PartToolInvocation PartType = "tool-invocation"
	PartSource         PartType = "source"
)

type ToolInvocation struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	State      string         `json:"state"` // call|result
}

type Source struct {
	ID    string `json:"id,omitempty"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type MessagePart struct {
	Type           PartType        `json:"type"`
	Text           string          `json:"text,omitempty"`
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
	Source         *Source         `json:"source,omitempty"`
}

type FileRef struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	URL  string `json:"url,omitempty"`
}

type ContextBlock struct {
	Text string `json:"text"`
}

type MentionType string

const (
	MentionDocument MentionType = "document"
	MentionFile     MentionType = "file"
	MentionCitation MentionType = "citation"
	MentionPrompt   MentionType = "prompt"
)

// Mentionable is an "@" reference resolved to content. Treat as immutable
// once it has been attached to a message.
type Mentionable struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Value    string         `json:"value"`
	Type     MentionType    `json:"type"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ChatMessage struct {
	ID              string           `json:"id"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	Reasoning       string           `json:"reasoning,omitempty"`
	Parts           []MessagePart    `json:"parts,omitempty"`
	ToolInvocations []ToolInvocation `json:"toolInvocations,omitempty"`
	Files           []FileRef        `json:"files,omitempty"`
	Context         []ContextBlock   `json:"context,omitempty"`
	Mentions        []Mentionable    `json:"mentions,omitempty"`
	Hidden          bool             `json:"hidden,omitempty"`
}

// Clone returns a deep copy so snapshots handed out of the conversation
// state cannot alias the live message.
func (m ChatMessage) Clone() ChatMessage {
	c := m
	if m.Parts != nil {
		c.Parts = make([]MessagePart, len(m.Parts))
		for i, p := range m.Parts {
			c.Parts[i] = p
			if p.ToolInvocation != nil {
				ti := *p.ToolInvocation
				c.Parts[i].ToolInvocation = &ti
			}
			if p.Source != nil {
				s := *p.Source
				c.Parts[i].Source = &s
			}
		}
	}
	c.ToolInvocations = append([]ToolInvocation(nil), m.ToolInvocations...)
	c.Files = append([]FileRef(nil), m.Files...)
	c.Context = append([]ContextBlock(nil), m.Context...)
	c.Mentions = append([]Mentionable(nil), m.Mentions...)
	return c
}

type ContextSelection struct {
	Document  bool      `json:"document"`
	Web       bool      `json:"web"`
	AgentMode AgentMode `json:"agentMode"`
}

type StoredConversation struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Messages  []ChatMessage `json:"messages"`
	UpdatedAt time.Time     `json:"updatedAt"`
	AgentMode AgentMode     `json:"agentMode,omitempty"`
}

type AgentState struct {
	IsActive    bool       `json:"isActive"`
	ArbeitType  ArbeitType `json:"arbeitType"`
	Thema       string     `json:"thema,omitempty"`
	CurrentStep int        `json:"currentStep"`
}

type SlashCommand struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Content string `json:"content"`
}

type SavedMessage struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	Role           Role      `json:"role"`
	Timestamp      time.Time `json:"timestamp"`
	Preview        string    `json:"preview"`
}

// FileContent is the extracted text of one attachment as sent to the backend.
// FileID and FileURL locate the uploaded file on the backend; they are not
// part of the request payload.
type FileContent struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Type    string `json:"type"`
	FileID  string `json:"-"`
	FileURL string `json:"-"`
}

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a non-blocking, user-visible notification.
type Notice struct {
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
}
