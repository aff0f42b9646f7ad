// Package assembler builds the context payload that accompanies a user turn.
package assembler

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"scribe/internal/agent"
	"scribe/internal/models"
)

const summarySeparator = " | "

// fallbackThemaRunes bounds the raw-input topic used by the general agent.
const fallbackThemaRunes = 100

const pendingTemplate = "--- Markierter Kontext ---\n\"%s\"\n--- Ende ---\n" +
	"Gehe ausführlich auf den markierten Text ein: erläutere ihn, vertiefe die Argumentation und beziehe ihn auf meine Frage."

// Input is everything the assembler looks at for one turn.
type Input struct {
	Text       string
	Mentions   []models.Mentionable
	Selection  models.ContextSelection
	Files      []models.FileRef
	PriorTurns int
}

// NeedsDocument reports whether the editor document must be fetched for
// this turn.
func NeedsDocument(sel models.ContextSelection, mentions []models.Mentionable) bool {
	if sel.AgentMode == models.ModeBachelor || sel.AgentMode == models.ModeGeneral || sel.Document {
		return true
	}
	for _, m := range mentions {
		if m.Type == models.MentionDocument {
			return true
		}
	}
	return false
}

// Summary flattens the active context into one line for the single-turn
// ask endpoint.
func Summary(in Input) string {
	var parts []string
	if in.Selection.Document {
		parts = append(parts, "document enabled")
	}
	if in.Selection.Web {
		parts = append(parts, "web search allowed")
	}
	if in.Selection.AgentMode != "" {
		parts = append(parts, "Agent Mode: "+string(in.Selection.AgentMode))
	}
	if len(in.Mentions) > 0 {
		labels := make([]string, 0, len(in.Mentions))
		for _, m := range in.Mentions {
			labels = append(labels, m.Label)
		}
		parts = append(parts, "Mentions: "+strings.Join(labels, ", "))
	}
	if len(in.Files) > 0 {
		names := make([]string, 0, len(in.Files))
		for _, f := range in.Files {
			names = append(names, fmt.Sprintf("%s (%s)", f.Name, humanize.Bytes(uint64(max64(f.Size, 0)))))
		}
		parts = append(parts, "Attachments: "+strings.Join(names, ", "))
	}
	if in.PriorTurns > 0 {
		parts = append(parts, fmt.Sprintf("Follow-up to %d previous turns", in.PriorTurns))
	}
	return strings.Join(parts, summarySeparator)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// CitationBlocks renders every citation mention that carries content.
func CitationBlocks(mentions []models.Mentionable) []string {
	var out []string
	for _, m := range mentions {
		if m.Type != models.MentionCitation || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, "ZITAT \""+m.Label+"\":\n"+m.Content)
	}
	return out
}

// PendingBlock wraps highlighted text in the elaboration template.
func PendingBlock(text string) string {
	return fmt.Sprintf(pendingTemplate, strings.TrimSpace(text))
}

// AgentSuffix composes citation blocks followed by pending-context blocks.
// Returns "" when there is nothing to append.
func AgentSuffix(citations []string, pending []string) string {
	blocks := make([]string, 0, len(citations)+len(pending))
	blocks = append(blocks, citations...)
	for _, p := range pending {
		if strings.TrimSpace(p) == "" {
			continue
		}
		blocks = append(blocks, PendingBlock(p))
	}
	if len(blocks) == 0 {
		return ""
	}
	return strings.Join(blocks, "\n\n")
}

// ApplySuffix returns a copy of msgs with suffix appended to the last user
// message. Earlier messages are never touched.
func ApplySuffix(msgs []models.ChatMessage, suffix string) []models.ChatMessage {
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	if suffix == "" {
		return out
	}
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == models.RoleUser {
			out[i].Content = out[i].Content + "\n\n" + suffix
			break
		}
	}
	return out
}

// ResolveThema applies the three-level topic fallback: the agent's current
// topic, a topic extracted from the input, then (general mode only) the
// first hundred characters of the input.
func ResolveThema(st models.AgentState, input string, mode models.AgentMode) string {
	if st.Thema != "" {
		return st.Thema
	}
	if t := agent.ExtractThema(input); t != "" {
		return t
	}
	if mode == models.ModeGeneral {
		r := []rune(strings.TrimSpace(input))
		if len(r) > fallbackThemaRunes {
			r = r[:fallbackThemaRunes]
		}
		return string(r)
	}
	return ""
}

// FileContentsFromMentions recovers extracted file text stored on file
// mentions of an earlier message.
func FileContentsFromMentions(mentions []models.Mentionable) []models.FileContent {
	var out []models.FileContent
	seen := make(map[string]bool)
	for _, m := range mentions {
		if m.Type != models.MentionFile || strings.TrimSpace(m.Content) == "" || seen[m.Label] {
			continue
		}
		seen[m.Label] = true
		typ, _ := m.Metadata["fileType"].(string)
		out = append(out, models.FileContent{Name: m.Label, Content: m.Content, Type: typ})
	}
	return out
}
