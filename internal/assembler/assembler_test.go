package assembler

import (
	"strings"
	"testing"

	"scribe/internal/models"
)

func TestNeedsDocument(t *testing.T) {
	std := models.ContextSelection{AgentMode: models.ModeStandard}
	if NeedsDocument(std, nil) {
		t.Fatal("plain standard mode should not fetch the document")
	}
	if !NeedsDocument(models.ContextSelection{AgentMode: models.ModeBachelor}, nil) {
		t.Fatal("bachelor mode fetches the document")
	}
	if !NeedsDocument(models.ContextSelection{AgentMode: models.ModeStandard, Document: true}, nil) {
		t.Fatal("document toggle fetches the document")
	}
	if !NeedsDocument(std, []models.Mentionable{{Type: models.MentionDocument, Label: "Kapitel 1"}}) {
		t.Fatal("document mention fetches the document")
	}
}

func TestSummary(t *testing.T) {
	got := Summary(Input{
		Selection: models.ContextSelection{Document: true, Web: true, AgentMode: models.ModeStandard},
		Mentions:  []models.Mentionable{{Label: "Smith 2020"}, {Label: "notes.md"}},
		Files:     []models.FileRef{{Name: "a.pdf", Size: 1200}},
	})
	want := "document enabled | web search allowed | Agent Mode: standard | Mentions: Smith 2020, notes.md | Attachments: a.pdf (1.2 kB)"
	if got != want {
		t.Fatalf("summary:\n got %q\nwant %q", got, want)
	}
	if Summary(Input{}) != "" {
		t.Fatal("empty input yields empty summary")
	}
}

func TestAgentSuffixOrder(t *testing.T) {
	cites := CitationBlocks([]models.Mentionable{
		{Type: models.MentionCitation, Label: "Smith 2020", Content: "Quote one"},
		{Type: models.MentionFile, Label: "x.txt", Content: "ignored"},
		{Type: models.MentionCitation, Label: "Empty"},
	})
	if len(cites) != 1 || cites[0] != "ZITAT \"Smith 2020\":\nQuote one" {
		t.Fatalf("citations: %q", cites)
	}
	s := AgentSuffix(cites, []string{"highlighted passage", "  "})
	ci := strings.Index(s, "ZITAT")
	pi := strings.Index(s, "highlighted passage")
	if ci < 0 || pi < 0 || ci > pi {
		t.Fatalf("citations must precede pending context: %q", s)
	}
	if strings.Count(s, "Markierter Kontext") != 1 {
		t.Fatalf("blank pending blocks must be skipped: %q", s)
	}
	if AgentSuffix(nil, nil) != "" {
		t.Fatal("no blocks, no suffix")
	}
}

func TestCitationLabelIsLiteral(t *testing.T) {
	cites := CitationBlocks([]models.Mentionable{
		{Type: models.MentionCitation, Label: "Müller \"Klima\"\tTab", Content: "Text"},
	})
	want := "ZITAT \"Müller \"Klima\"\tTab\":\nText"
	if len(cites) != 1 || cites[0] != want {
		t.Fatalf("got %q, want %q", cites, want)
	}
}

func TestApplySuffixLastUserOnly(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "answer"},
		{Role: models.RoleUser, Content: "second"},
		{Role: models.RoleAssistant, Content: ""},
	}
	out := ApplySuffix(msgs, "SUFFIX")
	if out[0].Content != "first" || out[2].Content != "second\n\nSUFFIX" {
		t.Fatalf("unexpected: %+v", out)
	}
	if msgs[2].Content != "second" {
		t.Fatal("input slice was mutated")
	}
}

func TestResolveThemaFallbacks(t *testing.T) {
	active := models.AgentState{Thema: "Stored topic"}
	if got := ResolveThema(active, "über Klimawandel", models.ModeBachelor); got != "Stored topic" {
		t.Fatalf("level 1: %q", got)
	}
	if got := ResolveThema(models.AgentState{}, "Eine Arbeit über Klimawandel", models.ModeBachelor); got != "Klimawandel" {
		t.Fatalf("level 2: %q", got)
	}
	long := strings.Repeat("x", 150)
	if got := ResolveThema(models.AgentState{}, long, models.ModeGeneral); got != strings.Repeat("x", 100) {
		t.Fatalf("level 3: %d chars", len(got))
	}
	if got := ResolveThema(models.AgentState{}, long, models.ModeBachelor); got != "" {
		t.Fatalf("bachelor mode has no raw-input fallback, got %q", got)
	}
}

func TestFileContentsFromMentions(t *testing.T) {
	got := FileContentsFromMentions([]models.Mentionable{
		{Type: models.MentionFile, Label: "a.pdf", Content: "A", Metadata: map[string]any{"fileType": "pdf"}},
		{Type: models.MentionFile, Label: "a.pdf", Content: "dup"},
		{Type: models.MentionFile, Label: "empty.txt"},
		{Type: models.MentionCitation, Label: "c", Content: "C"},
	})
	if len(got) != 1 || got[0].Name != "a.pdf" || got[0].Content != "A" || got[0].Type != "pdf" {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Fatal("empty text has no tokens")
	}
	short := EstimateTokens("hello world")
	long := EstimateTokens(strings.Repeat("hello world ", 50))
	if short <= 0 || long <= short {
		t.Fatalf("unexpected estimates: short=%d long=%d", short, long)
	}
	msgs := []models.ChatMessage{{Role: models.RoleUser, Content: "hello world"}}
	files := []models.FileContent{{Name: "a.txt", Content: "hello world"}}
	if got := EstimatePayload(msgs, files); got != 2*short {
		t.Fatalf("payload estimate %d, want %d", got, 2*short)
	}
}
