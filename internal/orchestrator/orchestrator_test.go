package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/internal/agent"
	"scribe/internal/intake"
	"scribe/internal/models"
	"scribe/internal/store"
)

// recordingAgent wraps the memory store and counts activations.
type recordingAgent struct {
	*agent.MemoryStore
	mu     sync.Mutex
	starts []string
}

func (r *recordingAgent) StartAgent(t models.ArbeitType, thema string) error {
	r.mu.Lock()
	r.starts = append(r.starts, string(t)+"|"+thema)
	r.mu.Unlock()
	return r.MemoryStore.StartAgent(t, thema)
}

type staticDoc struct {
	mu    sync.Mutex
	calls int
}

func (d *staticDoc) FetchEditorMarkdown(context.Context) (string, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return "# Kapitel 1", nil
}

type request struct {
	path string
	body map[string]any
}

// backend records every chat request and answers with handler.
type backend struct {
	mu   sync.Mutex
	reqs []request
	srv  *httptest.Server
}

func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int)) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		b.mu.Lock()
		b.reqs = append(b.reqs, request{path: r.URL.Path, body: body})
		n := len(b.reqs)
		b.mu.Unlock()
		handler(w, r, n)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) requests() []request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]request(nil), b.reqs...)
}

func textReply(text string) func(http.ResponseWriter, *http.Request, int) {
	return func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, text)
	}
}

func newTestOrchestrator(b *backend, sel models.ContextSelection, opts Options) *Orchestrator {
	opts.Transport = NewTransport(b.srv.URL, 5*time.Second)
	opts.Selection = sel
	return New(opts)
}

var standardAsk = models.ContextSelection{AgentMode: models.ModeStandard}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// streamThenBlock flushes the chunks and holds the response open until the
// client goes away.
func streamThenBlock(chunks ...string) func(http.ResponseWriter, *http.Request, int) {
	return func(w http.ResponseWriter, r *http.Request, _ int) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fl := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			fl.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}
}

func assistantContent(o *Orchestrator) string {
	msgs := o.State().Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}

func TestSendStandardStreamCompletes(t *testing.T) {
	b := newBackend(t, textReply("Hallo Welt"))
	o := newTestOrchestrator(b, standardAsk, Options{})

	if err := o.Send(context.Background(), Input{Text: "  Was ist RAG?  "}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := o.State().Messages()
	if len(msgs) != 2 || msgs[0].Content != "Was ist RAG?" || msgs[1].Content != "Hallo Welt" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if msgs[0].ID == "" || msgs[1].ID == "" || msgs[0].ID == msgs[1].ID {
		t.Fatalf("ids must be distinct and non-empty: %q %q", msgs[0].ID, msgs[1].ID)
	}
	if o.IsSending() || o.Phase() != PhaseIdle || o.LastOutcome() != PhaseCompleted {
		t.Fatalf("unexpected phase: sending=%v phase=%v last=%v", o.IsSending(), o.Phase(), o.LastOutcome())
	}
	reqs := b.requests()
	if len(reqs) != 1 || reqs[0].path != "/api/ai/ask" {
		t.Fatalf("expected one ask request, got %+v", reqs)
	}
	if reqs[0].body["question"] != "Was ist RAG?" {
		t.Fatalf("question not sent: %+v", reqs[0].body)
	}
	if _, ok := reqs[0].body["attachments"].([]any); !ok {
		t.Fatalf("attachments must be an array: %+v", reqs[0].body)
	}
}

func TestSendRejectsEmptyInput(t *testing.T) {
	b := newBackend(t, textReply("x"))
	o := newTestOrchestrator(b, standardAsk, Options{})
	if err := o.Send(context.Background(), Input{Text: "   "}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if o.State().Len() != 0 || len(b.requests()) != 0 {
		t.Fatal("empty input must not mutate state or send")
	}
}

func TestSendSingleFlight(t *testing.T) {
	b := newBackend(t, streamThenBlock("Teil 1 "))
	o := newTestOrchestrator(b, standardAsk, Options{})

	done := make(chan error, 1)
	go func() { done <- o.Send(context.Background(), Input{Text: "erste Frage"}) }()
	waitFor(t, func() bool { return assistantContent(o) == "Teil 1 " })

	before := o.State().Len()
	if err := o.Send(context.Background(), Input{Text: "zweite Frage"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := o.Regenerate(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from regenerate, got %v", err)
	}
	if o.State().Len() != before {
		t.Fatalf("rejected send mutated state: %d -> %d", before, o.State().Len())
	}
	o.Stop()
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if len(b.requests()) != 1 {
		t.Fatalf("rejected send must not reach the backend, got %d requests", len(b.requests()))
	}
}

func TestStopKeepsPartialContent(t *testing.T) {
	b := newBackend(t, streamThenBlock("Hallo ", "Welt"))
	o := newTestOrchestrator(b, standardAsk, Options{})

	done := make(chan error, 1)
	go func() { done <- o.Send(context.Background(), Input{Text: "Sag hallo"}) }()
	waitFor(t, func() bool { return assistantContent(o) == "Hallo Welt" })
	if o.Phase() != PhaseStreaming || o.StreamingID() == "" {
		t.Fatalf("expected streaming phase, got %v id=%q", o.Phase(), o.StreamingID())
	}

	o.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("aborted send returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after stop")
	}
	if got := assistantContent(o); got != "Hallo Welt" {
		t.Fatalf("partial content changed: %q", got)
	}
	if o.IsSending() || o.StreamingID() != "" || o.LastOutcome() != PhaseAborted {
		t.Fatalf("cleanup incomplete: sending=%v id=%q last=%v", o.IsSending(), o.StreamingID(), o.LastOutcome())
	}
	if len(o.Notices()) != 0 {
		t.Fatalf("abort must not produce notices: %+v", o.Notices())
	}
}

func TestHTTPErrorBecomesAssistantText(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, n int) {
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":"Kontingent erschöpft"}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	o := newTestOrchestrator(b, standardAsk, Options{})

	if err := o.Send(context.Background(), Input{Text: "Frage eins"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := assistantContent(o); !strings.Contains(got, "Kontingent erschöpft") {
		t.Fatalf("server error not surfaced: %q", got)
	}
	if o.LastOutcome() != PhaseFailed || o.IsSending() {
		t.Fatalf("expected failed and idle, got last=%v sending=%v", o.LastOutcome(), o.IsSending())
	}

	if err := o.Send(context.Background(), Input{Text: "Frage zwei"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := assistantContent(o); !strings.Contains(got, "HTTP 502: Bad Gateway") {
		t.Fatalf("synthesized status text missing: %q", got)
	}
	if len(b.requests()) != 2 {
		t.Fatalf("failed requests must not be retried, got %d", len(b.requests()))
	}
}

func TestAgentStreamErrorFailsTurn(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		_, _ = io.WriteString(w, "data: {\"type\":\"text\",\"text\":\"Teil\"}\n\ndata: {\"type\":\"error\",\"error\":\"agent crashed\"}\n\n")
	})
	o := newTestOrchestrator(b, models.ContextSelection{AgentMode: models.ModeStandard, Web: true}, Options{})
	_ = o.Send(context.Background(), Input{Text: "Suche im Netz"})
	if got := assistantContent(o); !strings.Contains(got, "agent crashed") {
		t.Fatalf("stream error not surfaced: %q", got)
	}
	if b.requests()[0].path != "/api/ai/agent/websearch" {
		t.Fatalf("expected websearch endpoint, got %s", b.requests()[0].path)
	}
}

func TestRegenerateWithoutHistoryLeavesStateUntouched(t *testing.T) {
	b := newBackend(t, textReply("x"))
	o := newTestOrchestrator(b, standardAsk, Options{})
	o.State().Append(models.ChatMessage{ID: "u1", Role: models.RoleUser, Content: "nur eine Frage"})
	before := o.State().Messages()

	if err := o.Regenerate(context.Background()); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
	if !reflect.DeepEqual(before, o.State().Messages()) {
		t.Fatal("regenerate without history mutated the state")
	}
	if n := o.Notices(); len(n) != 1 || n[0].Level != models.NoticeError {
		t.Fatalf("expected one error notice, got %+v", n)
	}
	if len(b.requests()) != 0 {
		t.Fatal("no request expected")
	}
}

func TestRegenerateReplacesReplyAndRestoresMentions(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, n int) {
		_, _ = io.WriteString(w, fmt.Sprintf("Antwort %d", n))
	})
	o := newTestOrchestrator(b, standardAsk, Options{})
	mentions := []models.Mentionable{
		{ID: "f1", Label: "notizen.md", Type: models.MentionFile, Content: "Notizen", Metadata: map[string]any{"fileType": "md"}},
		{ID: "c1", Label: "Müller 2020", Type: models.MentionCitation, Content: "Zitattext"},
	}
	files := []intake.Attachment{{Name: "kapitel.txt", Type: "text/plain", Data: []byte("Kapiteltext")}}
	if err := o.Send(context.Background(), Input{Text: "Fasse zusammen", Mentions: mentions, Files: files}); err != nil {
		t.Fatal(err)
	}
	first := o.State().Messages()
	if err := o.Regenerate(context.Background()); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	after := o.State().Messages()
	if len(after) != len(first) || after[1].ID != first[1].ID {
		t.Fatalf("regenerate must reuse the assistant message: %+v", after)
	}
	if after[1].Content != "Antwort 2" {
		t.Fatalf("expected replaced content, got %q", after[1].Content)
	}
	reqs := b.requests()
	names := func(body map[string]any) map[string]string {
		out := map[string]string{}
		fc, _ := body["fileContents"].([]any)
		for _, f := range fc {
			m := f.(map[string]any)
			out[m["name"].(string)] = m["content"].(string)
		}
		return out
	}
	sent, regenerated := names(reqs[0].body), names(reqs[1].body)
	if regenerated["notizen.md"] != "Notizen" || regenerated["kapitel.txt"] != "Kapiteltext" {
		t.Fatalf("file contents not restored from mentions: %+v", reqs[1].body["fileContents"])
	}
	if !reflect.DeepEqual(sent, regenerated) {
		t.Fatalf("regenerate sent different files: %v vs %v", sent, regenerated)
	}
	if reqs[0].body["context"] != reqs[1].body["context"] {
		t.Fatalf("context summary differs: %q vs %q", reqs[0].body["context"], reqs[1].body["context"])
	}
	if reqs[0].path != reqs[1].path {
		t.Fatalf("routing differs between send and regenerate: %s vs %s", reqs[0].path, reqs[1].path)
	}
}

func TestBachelorScenario(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		_, _ = io.WriteString(w, "data: {\"type\":\"agent-step\",\"step\":2}\n\ndata: {\"type\":\"text\",\"text\":\"Gern helfe ich\"}\n\ndata: [DONE]\n\n")
	})
	ag := &recordingAgent{MemoryStore: agent.NewMemoryStore()}
	doc := &staticDoc{}
	o := newTestOrchestrator(b, models.ContextSelection{AgentMode: models.ModeBachelor}, Options{Agent: ag, Documents: doc, ProjectID: "p1"})

	input := "Ich schreibe eine Bachelorarbeit über Klimawandel"
	if agent.DetectArbeitType(input) != models.ArbeitBachelor {
		t.Fatal("expected bachelor detection")
	}
	if err := o.Send(context.Background(), Input{Text: input}); err != nil {
		t.Fatal(err)
	}
	if len(ag.starts) != 1 || ag.starts[0] != "bachelor|Klimawandel" {
		t.Fatalf("expected one StartAgent(bachelor, Klimawandel), got %v", ag.starts)
	}
	reqs := b.requests()
	if len(reqs) != 1 || reqs[0].path != "/api/ai/agent/bachelorarbeit" {
		t.Fatalf("expected first call to bachelorarbeit, got %+v", reqs)
	}
	st, _ := reqs[0].body["agentState"].(map[string]any)
	if st["isActive"] != true || st["arbeitType"] != "bachelor" || reqs[0].body["projectId"] != "p1" {
		t.Fatalf("unexpected agent payload: %+v", reqs[0].body)
	}
	if reqs[0].body["editorContent"] != "# Kapitel 1" || doc.calls != 1 {
		t.Fatalf("document must be fetched exactly once, calls=%d body=%+v", doc.calls, reqs[0].body)
	}
	if got := assistantContent(o); got != "Gern helfe ich" {
		t.Fatalf("unexpected reply: %q", got)
	}
	if ag.State().CurrentStep != 2 {
		t.Fatalf("agent step not applied: %+v", ag.State())
	}
}

func TestBachelorWithoutTopicAsksFirst(t *testing.T) {
	b := newBackend(t, textReply("x"))
	ag := &recordingAgent{MemoryStore: agent.NewMemoryStore()}
	o := newTestOrchestrator(b, models.ContextSelection{AgentMode: models.ModeBachelor}, Options{Agent: ag})

	if err := o.Send(context.Background(), Input{Text: "Hilf mir bei meiner Bachelorarbeit"}); err != nil {
		t.Fatal(err)
	}
	if len(ag.starts) != 0 || len(b.requests()) != 0 {
		t.Fatalf("agent must not start without a topic: starts=%v reqs=%d", ag.starts, len(b.requests()))
	}
	if got := assistantContent(o); !strings.Contains(got, "Thema") {
		t.Fatalf("expected a question for the topic, got %q", got)
	}
}

func TestAgentSuffixOnLastUserMessageOnly(t *testing.T) {
	b := newBackend(t, textReply("ok"))
	ag := agent.NewMemoryStore()
	_ = ag.StartAgent(models.ArbeitGeneral, "Essay")
	o := newTestOrchestrator(b, models.ContextSelection{AgentMode: models.ModeGeneral}, Options{Agent: ag})

	_ = o.Send(context.Background(), Input{Text: "erste"})
	_ = o.Send(context.Background(), Input{
		Text:     "zweite",
		Mentions: []models.Mentionable{{ID: "c1", Label: "Quelle", Type: models.MentionCitation, Content: "Zitat"}},
		Pending:  []string{"markierter Satz"},
	})
	reqs := b.requests()
	if reqs[1].path != "/api/ai/agent/general" {
		t.Fatalf("expected general agent, got %s", reqs[1].path)
	}
	msgs, _ := reqs[1].body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected user, assistant, user; got %+v", msgs)
	}
	first := msgs[0].(map[string]any)["content"].(string)
	last := msgs[2].(map[string]any)["content"].(string)
	if first != "erste" {
		t.Fatalf("earlier user message must stay untouched: %q", first)
	}
	if !strings.HasPrefix(last, "zweite\n\nZITAT \"Quelle\":\nZitat") || !strings.Contains(last, "markierter Satz") {
		t.Fatalf("suffix not applied to last user message: %q", last)
	}
	if o.State().Messages()[2].Content != "zweite" {
		t.Fatal("suffix must not leak into the stored message")
	}
}

// fileServer answers extraction uploads with a file id and serves the
// stored bytes back by id.
func fileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/files/extract":
			_, hdr, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"content":  "Text aus " + hdr.Filename,
				"id":       "file-" + hdr.Filename,
				"metadata": map[string]string{"fileType": "pdf"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/api/files/file-server.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = io.WriteString(w, "%PDF-restored")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEditLastMessage(t *testing.T) {
	b := newBackend(t, textReply("Antwort"))
	fs := fileServer(t)
	o := newTestOrchestrator(b, standardAsk, Options{
		Intake: &intake.Pipeline{Server: intake.NewServerExtractor(fs.URL, fs.Client(), 0)},
		Files:  intake.NewHTTPFetcher(fs.URL, fs.Client()),
	})
	cite := models.Mentionable{ID: "c1", Label: "Quelle", Type: models.MentionCitation, Content: "Zitat"}

	_ = o.Send(context.Background(), Input{Text: "erste"})
	_ = o.Send(context.Background(), Input{
		Text:     "zweite",
		Pending:  []string{"Absatz"},
		Mentions: []models.Mentionable{cite},
		Files: []intake.Attachment{
			{Name: "lokal.txt", Type: "text/plain", Data: []byte("a")},
			{Name: "server.pdf", Type: "application/pdf", Data: []byte("%PDF")},
		},
	})
	stored := o.State().Messages()[2]
	if len(stored.Files) != 2 || stored.Files[1].ID != "file-server.pdf" || stored.Files[0].ID != "" {
		t.Fatalf("uploaded file id not recorded: %+v", stored.Files)
	}

	if err := o.EditLastMessage(context.Background()); err != nil {
		t.Fatal(err)
	}
	if o.State().Len() != 2 {
		t.Fatalf("expected last pair removed, len=%d", o.State().Len())
	}
	if o.State().Input() != "zweite" || !reflect.DeepEqual(o.State().PendingContext(), []string{"Absatz"}) {
		t.Fatalf("composer not repopulated: %q %v", o.State().Input(), o.State().PendingContext())
	}
	if ms := o.State().Mentions(); len(ms) != 1 || ms[0].ID != "c1" {
		t.Fatalf("only the picked mentions go back to the composer, got %+v", ms)
	}
	att := o.Attachments()
	if len(att) != 1 || att[0].Name != "server.pdf" || string(att[0].Data) != "%PDF-restored" || att[0].ID != "file-server.pdf" {
		t.Fatalf("expected restored server.pdf, got %+v", att)
	}
	notices := o.Notices()
	if len(notices) != 1 || !strings.Contains(notices[0].Text, "lokal.txt") {
		t.Fatalf("expected unrecoverable notice for lokal.txt, got %+v", notices)
	}
}

func TestEditLastMessageWithoutHistory(t *testing.T) {
	b := newBackend(t, textReply("x"))
	o := newTestOrchestrator(b, standardAsk, Options{})
	if err := o.EditLastMessage(context.Background()); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestFileFailureIsNonFatal(t *testing.T) {
	b := newBackend(t, textReply("ok"))
	pipe := &intake.Pipeline{Server: intake.ExtractorFunc(func(context.Context, intake.Attachment) (models.FileContent, error) {
		return models.FileContent{}, errors.New("unsupported")
	})}
	o := newTestOrchestrator(b, standardAsk, Options{Intake: pipe})

	err := o.Send(context.Background(), Input{Text: "lies das", Files: []intake.Attachment{
		{Name: "a.txt", Type: "text/plain", Data: []byte("Inhalt A")},
		{Name: "b.pdf", Type: "application/pdf", Data: []byte("%PDF")},
	}})
	if err != nil {
		t.Fatal(err)
	}
	reqs := b.requests()
	fc, _ := reqs[0].body["fileContents"].([]any)
	if len(fc) != 1 || fc[0].(map[string]any)["name"] != "a.txt" {
		t.Fatalf("expected only a.txt, got %+v", reqs[0].body["fileContents"])
	}
	if n := o.Notices(); len(n) != 1 || n[0].Level != models.NoticeWarning {
		t.Fatalf("expected one warning, got %+v", n)
	}
	if assistantContent(o) != "ok" {
		t.Fatal("send must still complete")
	}
}

func TestPersistAndLoadConversation(t *testing.T) {
	b := newBackend(t, textReply("Antwort"))
	facade := store.NewFacade(nil, store.NewLocal(""), nil, nil)
	o := newTestOrchestrator(b, models.ContextSelection{AgentMode: models.ModeGeneral}, Options{Store: facade})

	long := strings.Repeat("ä", 60)
	if err := o.Send(context.Background(), Input{Text: long}); err != nil {
		t.Fatal(err)
	}
	history := o.State().History()
	if len(history) != 1 || len(history[0].Messages) != 2 {
		t.Fatalf("expected persisted conversation in history, got %+v", history)
	}
	if got := []rune(history[0].Title); len(got) != 50 {
		t.Fatalf("title must be the first 50 runes, got %d", len(got))
	}
	id := history[0].ID

	o2 := newTestOrchestrator(b, standardAsk, Options{Store: facade})
	if err := o2.LoadConversation(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if o2.State().ConversationID() != id || o2.State().Len() != 2 {
		t.Fatalf("conversation not restored: %s len=%d", o2.State().ConversationID(), o2.State().Len())
	}
	if o2.State().Selection().AgentMode != models.ModeGeneral {
		t.Fatalf("agent mode not restored: %v", o2.State().Selection())
	}
	if err := o2.LoadConversation(context.Background(), "missing"); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}

	o2.DeleteConversation(context.Background(), id)
	if o2.State().Len() != 0 || len(o2.State().History()) != 0 {
		t.Fatal("deleting the open conversation must start a new chat")
	}
}

func TestStopKeepsPartialAgentStream(t *testing.T) {
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		fl := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"type\":\"reasoning\",\"text\":\"denke\"}\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"text\",\"text\":\"Teil eins\"}\n\n")
		fl.Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	o := newTestOrchestrator(b, models.ContextSelection{AgentMode: models.ModeStandard, Web: true}, Options{})

	done := make(chan error, 1)
	go func() { done <- o.Send(context.Background(), Input{Text: "Suche im Netz"}) }()
	waitFor(t, func() bool { return assistantContent(o) == "Teil eins" })
	o.Stop()
	if err := <-done; err != nil {
		t.Fatalf("aborted send returned error: %v", err)
	}
	msg := o.State().Messages()[1]
	if msg.Content != "Teil eins" || msg.Reasoning != "denke" || len(msg.Parts) != 2 {
		t.Fatalf("partial agent output changed: %+v", msg)
	}
	if o.LastOutcome() != PhaseAborted || len(o.Notices()) != 0 {
		t.Fatalf("expected silent abort, got last=%v notices=%+v", o.LastOutcome(), o.Notices())
	}
}

// blockingDoc holds the document fetch until the request is cancelled.
type blockingDoc struct{ started chan struct{} }

func (d blockingDoc) FetchEditorMarkdown(ctx context.Context) (string, error) {
	close(d.started)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestStopBeforeStreaming(t *testing.T) {
	cases := []struct {
		name  string
		sel   models.ContextSelection
		setup func(started chan struct{}) (Options, []intake.Attachment)
	}{
		{
			name: "during extraction",
			sel:  standardAsk,
			setup: func(started chan struct{}) (Options, []intake.Attachment) {
				pipe := &intake.Pipeline{Server: intake.ExtractorFunc(func(ctx context.Context, a intake.Attachment) (models.FileContent, error) {
					close(started)
					<-ctx.Done()
					return models.FileContent{}, ctx.Err()
				})}
				return Options{Intake: pipe}, []intake.Attachment{{Name: "b.pdf", Type: "application/pdf", Data: []byte("%PDF")}}
			},
		},
		{
			name: "during document fetch",
			sel:  models.ContextSelection{AgentMode: models.ModeStandard, Document: true},
			setup: func(started chan struct{}) (Options, []intake.Attachment) {
				return Options{Documents: blockingDoc{started: started}}, nil
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t, textReply("zu spät"))
			started := make(chan struct{})
			opts, files := tc.setup(started)
			o := newTestOrchestrator(b, tc.sel, opts)

			done := make(chan error, 1)
			go func() { done <- o.Send(context.Background(), Input{Text: "lies das", Files: files}) }()
			select {
			case <-started:
			case <-time.After(5 * time.Second):
				t.Fatal("request never reached the blocking step")
			}
			o.Stop()
			if err := <-done; err != nil {
				t.Fatalf("aborted send returned error: %v", err)
			}
			if o.LastOutcome() != PhaseAborted || o.IsSending() {
				t.Fatalf("expected aborted and idle, got last=%v sending=%v", o.LastOutcome(), o.IsSending())
			}
			if n := o.Notices(); len(n) != 0 {
				t.Fatalf("abort must stay silent, got %+v", n)
			}
			if len(b.requests()) != 0 {
				t.Fatalf("no chat request expected after stop, got %d", len(b.requests()))
			}
			if got := assistantContent(o); got != "" {
				t.Fatalf("assistant placeholder must stay empty, got %q", got)
			}
		})
	}
}
