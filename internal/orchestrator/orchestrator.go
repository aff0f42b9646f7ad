// Package orchestrator runs one conversation session: it builds each
// request, routes it, streams the answer into the conversation state and
// persists the finished turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scribe/internal/agent"
	"scribe/internal/assembler"
	"scribe/internal/conversation"
	"scribe/internal/intake"
	mylog "scribe/internal/log"
	"scribe/internal/models"
	"scribe/internal/router"
	"scribe/internal/stream"
)

var (
	ErrBusy           = errors.New("a request is already in flight")
	ErrEmptyInput     = errors.New("input is empty")
	ErrNoHistory      = errors.New("no previous exchange")
	ErrNoConversation = errors.New("conversation not found")
)

const titleRunes = 50

const (
	msgAskForTopic   = "Zu welchem Thema möchtest du deine Arbeit schreiben? Nenne mir bitte das Thema, dann lege ich los."
	msgRequestFailed = "Entschuldigung, bei der Anfrage ist ein Fehler aufgetreten: %s"
	msgNoHistory     = "Es gibt keine vorherige Antwort, die neu generiert oder bearbeitet werden kann."
	msgFileLost      = "Datei %q kann nicht wiederhergestellt werden und muss erneut angehängt werden."
	msgDocFailed     = "Das Dokument konnte nicht geladen werden: %v"
)

// Phase is the request state machine position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseCompleted
	PhaseAborted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleted:
		return "completed"
	case PhaseAborted:
		return "aborted"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// DocumentSource returns the markdown of the document being edited.
type DocumentSource interface {
	FetchEditorMarkdown(ctx context.Context) (string, error)
}

// FileFetcher re-downloads a previously uploaded file by id or url.
type FileFetcher interface {
	FetchFile(ctx context.Context, ref models.FileRef) (intake.Attachment, error)
}

// Persister is the slice of the persistence facade the orchestrator uses.
type Persister interface {
	PersistConversation(ctx context.Context, c models.StoredConversation)
	LoadChatHistory(ctx context.Context) []models.StoredConversation
	LoadConversation(ctx context.Context, id string) (models.StoredConversation, bool)
	DeleteConversation(ctx context.Context, id string)
}

// Input is one composed user turn.
type Input struct {
	Text     string
	Mentions []models.Mentionable
	Pending  []string
	Files    []intake.Attachment
}

// Options wires the collaborators. Transport and Agent are required.
type Options struct {
	Transport Poster
	Intake    *intake.Pipeline
	Agent     agent.Store
	Documents DocumentSource
	Files     FileFetcher
	Store     Persister
	ProjectID string
	Selection models.ContextSelection
	Log       *mylog.Logger
	NewID     func() string
}

type Orchestrator struct {
	transport Poster
	intake    *intake.Pipeline
	agent     agent.Store
	docs      DocumentSource
	files     FileFetcher
	store     Persister
	projectID string
	log       *mylog.Logger
	newID     func() string

	state *conversation.State

	mu          sync.Mutex
	phase       Phase
	last        Phase
	sending     bool
	streamingID string
	cancel      context.CancelFunc
	attachments []intake.Attachment
	notices     []models.Notice
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		transport: opts.Transport,
		intake:    opts.Intake,
		agent:     opts.Agent,
		docs:      opts.Documents,
		files:     opts.Files,
		store:     opts.Store,
		projectID: opts.ProjectID,
		log:       opts.Log,
		newID:     opts.NewID,
		state:     conversation.New(opts.Selection),
	}
	if o.intake == nil {
		o.intake = &intake.Pipeline{}
	}
	if o.agent == nil {
		o.agent = agent.NewMemoryStore()
	}
	if o.log == nil {
		o.log = mylog.Discard()
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o
}

// State is the conversation state. Callers read snapshots; composer fields
// (input, mentions, pending context) may be edited between sends.
func (o *Orchestrator) State() *conversation.State { return o.state }

// Phase reports the current state machine position.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// LastOutcome reports how the most recent request ended.
func (o *Orchestrator) LastOutcome() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Orchestrator) IsSending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sending
}

// StreamingID is the id of the assistant message being streamed, or "".
func (o *Orchestrator) StreamingID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streamingID
}

// Notices returns a snapshot of the user-visible notices.
func (o *Orchestrator) Notices() []models.Notice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Notice(nil), o.notices...)
}

func (o *Orchestrator) ClearNotices() {
	o.mu.Lock()
	o.notices = nil
	o.mu.Unlock()
}

func (o *Orchestrator) notify(level models.NoticeLevel, text string) {
	o.mu.Lock()
	o.notices = append(o.notices, models.Notice{Level: level, Text: text})
	o.mu.Unlock()
}

func (o *Orchestrator) AddAttachment(a intake.Attachment) {
	o.mu.Lock()
	o.attachments = append(o.attachments, a)
	o.mu.Unlock()
}

func (o *Orchestrator) Attachments() []intake.Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]intake.Attachment(nil), o.attachments...)
}

// Composer collects the current composer contents into an Input.
func (o *Orchestrator) Composer() Input {
	return Input{
		Text:     o.state.Input(),
		Mentions: o.state.Mentions(),
		Pending:  o.state.PendingContext(),
		Files:    o.Attachments(),
	}
}

// begin takes the single-flight guard and creates the request's cancel
// func.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sending {
		return nil, ErrBusy
	}
	reqCtx, cancel := context.WithCancel(ctx)
	o.sending = true
	o.phase = PhaseSending
	o.cancel = cancel
	return reqCtx, nil
}

// finish always runs when a request ends, whatever the path.
func (o *Orchestrator) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.sending = false
	o.streamingID = ""
	o.cancel = nil
	if o.phase == PhaseSending || o.phase == PhaseStreaming {
		o.last = PhaseCompleted
	} else {
		o.last = o.phase
	}
	o.phase = PhaseIdle
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

func (o *Orchestrator) setStreaming(id string) {
	o.mu.Lock()
	o.phase = PhaseStreaming
	o.streamingID = id
	o.mu.Unlock()
}

// Stop cancels the in-flight request. Partial content is kept.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// turn is everything one request needs beyond the live state.
type turn struct {
	convID      string
	assistantID string
	text        string
	mentions    []models.Mentionable
	pending     []string
	files       []models.FileRef
	contents    []models.FileContent
}

// Send runs one user turn to completion. It returns ErrBusy or
// ErrEmptyInput without touching the state; request failures end up in the
// assistant message, not in the returned error.
func (o *Orchestrator) Send(ctx context.Context, in Input) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		if o.IsSending() {
			return ErrBusy
		}
		return ErrEmptyInput
	}
	reqCtx, err := o.begin(ctx)
	if err != nil {
		return err
	}
	defer o.finish()

	refs := make([]models.FileRef, 0, len(in.Files))
	for _, f := range in.Files {
		refs = append(refs, f.Ref())
	}
	var blocks []models.ContextBlock
	for _, p := range in.Pending {
		if strings.TrimSpace(p) != "" {
			blocks = append(blocks, models.ContextBlock{Text: p})
		}
	}
	user := models.ChatMessage{
		ID:       o.newID(),
		Role:     models.RoleUser,
		Content:  text,
		Files:    refs,
		Context:  blocks,
		Mentions: append([]models.Mentionable(nil), in.Mentions...),
	}
	assistant := models.ChatMessage{ID: o.newID(), Role: models.RoleAssistant}

	if o.state.ConversationID() == "" {
		o.state.SetConversation(o.newID(), titleFrom(text))
	}
	o.state.Append(user, assistant)
	o.state.ClearComposer()
	o.mu.Lock()
	o.attachments = nil
	o.mu.Unlock()

	t := turn{
		convID:      o.state.ConversationID(),
		assistantID: assistant.ID,
		text:        text,
		mentions:    user.Mentions,
		pending:     in.Pending,
		files:       refs,
	}

	if !o.activateAgent(text, assistant.ID) {
		o.setPhase(PhaseCompleted)
		o.persist(ctx, t.convID)
		return nil
	}

	res := o.intake.Run(reqCtx, in.Files, assembler.FileContentsFromMentions(in.Mentions))
	if reqCtx.Err() == nil {
		for _, n := range res.Notices {
			o.notify(n.Level, n.Text)
		}
	}
	if len(res.Refs) == len(refs) {
		t.files = res.Refs
	}
	added := o.attachmentMentions(user.Mentions, res.Contents)
	o.state.Update(user.ID, func(m *models.ChatMessage) {
		m.Files = t.files
		m.Mentions = append(m.Mentions, added...)
	})
	t.contents = res.Contents
	o.run(ctx, reqCtx, t)
	return nil
}

// attachmentMentions turns freshly extracted file text into file mentions
// so later turns can rebuild the file contents without the raw files.
// Files already present as mentions are skipped.
func (o *Orchestrator) attachmentMentions(existing []models.Mentionable, contents []models.FileContent) []models.Mentionable {
	have := make(map[string]bool, len(existing))
	for _, m := range existing {
		if m.Type == models.MentionFile {
			have[m.Label] = true
		}
	}
	var out []models.Mentionable
	for _, fc := range contents {
		if have[fc.Name] {
			continue
		}
		have[fc.Name] = true
		out = append(out, models.Mentionable{
			ID:       o.newID(),
			Label:    fc.Name,
			Value:    fc.Name,
			Type:     models.MentionFile,
			Content:  fc.Content,
			Metadata: map[string]any{"fileType": fc.Type, attachmentKey: true},
		})
	}
	return out
}

// attachmentKey marks file mentions created from attachments.
const attachmentKey = "attachment"

// userMentions drops the mentions created from attachments, leaving the
// ones the user picked.
func userMentions(ms []models.Mentionable) []models.Mentionable {
	var out []models.Mentionable
	for _, m := range ms {
		if v, _ := m.Metadata[attachmentKey].(bool); v {
			continue
		}
		out = append(out, m)
	}
	return out
}

// activateAgent starts the thesis agent in bachelor/general mode when it is
// not running yet. It reports false when no topic could be resolved; the
// assistant placeholder then asks for one and no request is sent.
func (o *Orchestrator) activateAgent(text, assistantID string) bool {
	sel := o.state.Selection()
	if sel.AgentMode != models.ModeBachelor && sel.AgentMode != models.ModeGeneral {
		return true
	}
	st := o.agent.State()
	if st.IsActive {
		return true
	}
	typ := models.ArbeitGeneral
	if sel.AgentMode == models.ModeBachelor {
		typ = agent.DetectArbeitType(text)
		if typ == "" || typ == models.ArbeitGeneral {
			typ = models.ArbeitBachelor
		}
	}
	thema := assembler.ResolveThema(st, text, sel.AgentMode)
	if thema == "" {
		o.state.Update(assistantID, func(m *models.ChatMessage) { m.Content = msgAskForTopic })
		return false
	}
	if err := o.agent.StartAgent(typ, thema); err != nil {
		o.log.Warn("agent.start_failed", "type", string(typ), "err", err)
		return true
	}
	o.log.Info("agent.started", "type", string(typ), "thema", thema)
	return true
}

// Regenerate replaces the last assistant reply in place. Without a previous
// exchange it reports ErrNoHistory and leaves the state untouched.
func (o *Orchestrator) Regenerate(ctx context.Context) error {
	if o.IsSending() {
		return ErrBusy
	}
	userIdx, asstIdx, ok := o.state.LastExchange()
	if !ok {
		o.notify(models.NoticeError, msgNoHistory)
		return ErrNoHistory
	}
	reqCtx, err := o.begin(ctx)
	if err != nil {
		return err
	}
	defer o.finish()

	msgs := o.state.Messages()
	user, asst := msgs[userIdx], msgs[asstIdx]
	o.state.Update(asst.ID, func(m *models.ChatMessage) {
		m.Content = ""
		m.Reasoning = ""
		m.Parts = nil
		m.ToolInvocations = nil
	})
	pending := make([]string, 0, len(user.Context))
	for _, b := range user.Context {
		pending = append(pending, b.Text)
	}
	t := turn{
		convID:      o.state.ConversationID(),
		assistantID: asst.ID,
		text:        user.Content,
		mentions:    userMentions(user.Mentions),
		pending:     pending,
		files:       user.Files,
		contents:    assembler.FileContentsFromMentions(user.Mentions),
	}
	o.run(ctx, reqCtx, t)
	return nil
}

// run performs the request and streams the answer. ctx outlives the
// request; reqCtx is cancelled by Stop.
func (o *Orchestrator) run(ctx, reqCtx context.Context, t turn) {
	sel := o.state.Selection()
	ep := router.Route(sel, o.agent.State())
	lg := o.log.With("conversation", t.convID, "endpoint", ep.Path())

	var editor string
	if assembler.NeedsDocument(sel, t.mentions) && o.docs != nil {
		md, err := o.docs.FetchEditorMarkdown(reqCtx)
		switch {
		case err != nil && reqCtx.Err() != nil:
		case err != nil:
			lg.Warn("chat.document_failed", "err", err)
			o.notify(models.NoticeWarning, fmt.Sprintf(msgDocFailed, err))
		default:
			editor = md
		}
	}

	history := o.historyBefore(t.assistantID)
	var payload any
	if ep.MultiTurn() {
		suffix := assembler.AgentSuffix(assembler.CitationBlocks(t.mentions), t.pending)
		payload = agentRequest{
			Messages:               toWire(assembler.ApplySuffix(history, suffix)),
			UseWeb:                 sel.Web,
			EditorContent:          editor,
			DocumentContextEnabled: sel.Document,
			FileContents:           t.contents,
			ProjectID:              o.projectID,
			AgentState:             o.agent.State(),
		}
	} else {
		prior := history
		if n := len(prior); n > 0 && prior[n-1].Role == models.RoleUser {
			prior = prior[:n-1]
		}
		payload = askRequest{
			Question: t.text,
			Context: assembler.Summary(assembler.Input{
				Text:       t.text,
				Mentions:   t.mentions,
				Selection:  sel,
				Files:      t.files,
				PriorTurns: countRole(prior, models.RoleUser),
			}),
			UseWeb:                 sel.Web,
			EditorContent:          editor,
			DocumentContextEnabled: sel.Document,
			FileContents:           t.contents,
			Messages:               toWire(prior),
			Attachments:            nonNilRefs(t.files),
		}
	}

	lg.Info("chat.send", "files", len(t.contents), "turns", len(history), "tokens", assembler.EstimatePayload(history, t.contents))
	err := reqCtx.Err()
	var body io.ReadCloser
	if err == nil {
		body, err = o.transport.Post(reqCtx, ep, payload)
	}
	if err != nil {
		o.fail(reqCtx, lg, t.assistantID, err)
		o.persist(ctx, t.convID)
		return
	}
	defer body.Close()

	o.setStreaming(t.assistantID)
	var parser stream.Parser = stream.Standard{}
	if router.UsesAgentParser(sel, ep) {
		parser = stream.Agent{OnStep: o.agent.SetStep}
	}
	if err := parser.Parse(reqCtx, body, t.assistantID, o.state); err != nil {
		o.fail(reqCtx, lg, t.assistantID, err)
		o.persist(ctx, t.convID)
		return
	}
	o.setPhase(PhaseCompleted)
	o.persist(ctx, t.convID)
}

// fail classifies err: cancellation is a silent abort that keeps partial
// content; anything else replaces the assistant content with an error text.
func (o *Orchestrator) fail(reqCtx context.Context, lg *mylog.Logger, assistantID string, err error) {
	if errors.Is(err, context.Canceled) || reqCtx.Err() != nil {
		lg.Info("chat.aborted", "message", assistantID)
		o.setPhase(PhaseAborted)
		return
	}
	var he *HTTPError
	if errors.As(err, &he) {
		lg.Error("chat.http_error", "status", he.Status, "err", he.Message)
	} else {
		lg.Error("chat.stream_failed", "err", err)
	}
	o.state.Update(assistantID, func(m *models.ChatMessage) {
		m.Content = fmt.Sprintf(msgRequestFailed, err.Error())
	})
	o.setPhase(PhaseFailed)
}

// persist stores the conversation if it is still the open one.
func (o *Orchestrator) persist(ctx context.Context, convID string) {
	if o.store == nil || convID == "" || o.state.ConversationID() != convID {
		return
	}
	ctx = context.WithoutCancel(ctx)
	o.store.PersistConversation(ctx, models.StoredConversation{
		ID:        convID,
		Title:     o.state.Title(),
		Messages:  o.state.Messages(),
		UpdatedAt: time.Now(),
		AgentMode: o.state.Selection().AgentMode,
	})
	o.state.SetHistory(o.store.LoadChatHistory(ctx))
}

// historyBefore returns the messages preceding the given assistant message.
func (o *Orchestrator) historyBefore(assistantID string) []models.ChatMessage {
	msgs := o.state.Messages()
	for i, m := range msgs {
		if m.ID == assistantID {
			return msgs[:i]
		}
	}
	return msgs
}

// EditLastMessage removes the last user turn and everything after it and
// moves its text, mentions, pending context and files back into the
// composer. Attached files come back as attachments; those without a stored
// id or url cannot be restored and are reported.
func (o *Orchestrator) EditLastMessage(ctx context.Context) error {
	if o.IsSending() {
		return ErrBusy
	}
	idx := o.state.LastUser()
	if idx < 0 {
		o.notify(models.NoticeError, msgNoHistory)
		return ErrNoHistory
	}
	user := o.state.Messages()[idx]
	o.state.Truncate(idx)
	o.state.SetInput(user.Content)
	o.state.SetMentions(userMentions(user.Mentions))
	pending := make([]string, 0, len(user.Context))
	for _, b := range user.Context {
		pending = append(pending, b.Text)
	}
	o.state.SetPendingContext(pending)

	var restored []intake.Attachment
	for _, ref := range user.Files {
		if (ref.ID == "" && ref.URL == "") || o.files == nil {
			o.notify(models.NoticeWarning, fmt.Sprintf(msgFileLost, ref.Name))
			continue
		}
		a, err := o.files.FetchFile(ctx, ref)
		if err != nil {
			o.log.Warn("chat.file_restore_failed", "file", ref.Name, "err", err)
			o.notify(models.NoticeWarning, fmt.Sprintf(msgFileLost, ref.Name))
			continue
		}
		restored = append(restored, a)
	}
	o.mu.Lock()
	o.attachments = restored
	o.mu.Unlock()
	return nil
}

// NewChat stops any running request and starts an empty conversation. The
// context selection is kept.
func (o *Orchestrator) NewChat() {
	o.Stop()
	o.state.Reset()
	o.agent.Reset()
	o.mu.Lock()
	o.attachments = nil
	o.notices = nil
	o.mu.Unlock()
}

// LoadConversation replaces the open conversation with a stored one and
// restores its agent mode.
func (o *Orchestrator) LoadConversation(ctx context.Context, id string) error {
	if o.IsSending() {
		return ErrBusy
	}
	if o.store == nil {
		return ErrNoConversation
	}
	c, ok := o.store.LoadConversation(ctx, id)
	if !ok {
		o.notify(models.NoticeError, fmt.Sprintf("Unterhaltung %s wurde nicht gefunden.", id))
		return fmt.Errorf("%s: %w", id, ErrNoConversation)
	}
	o.NewChat()
	o.state.Replace(c.Messages)
	o.state.SetConversation(c.ID, c.Title)
	if c.AgentMode != "" {
		sel := o.state.Selection()
		sel.AgentMode = c.AgentMode
		o.state.SetSelection(sel)
	}
	return nil
}

// DeleteConversation removes a stored conversation; deleting the open one
// also starts a new chat.
func (o *Orchestrator) DeleteConversation(ctx context.Context, id string) {
	if o.store == nil {
		return
	}
	o.store.DeleteConversation(ctx, id)
	if o.state.ConversationID() == id {
		o.NewChat()
	}
	o.state.SetHistory(o.store.LoadChatHistory(ctx))
}

// RefreshHistory reloads the history list from the persistence facade.
func (o *Orchestrator) RefreshHistory(ctx context.Context) []models.StoredConversation {
	if o.store == nil {
		return nil
	}
	h := o.store.LoadChatHistory(ctx)
	o.state.SetHistory(h)
	return h
}

func titleFrom(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) > titleRunes {
		r = r[:titleRunes]
	}
	return string(r)
}

func countRole(msgs []models.ChatMessage, role models.Role) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func nonNilRefs(refs []models.FileRef) []models.FileRef {
	if refs == nil {
		return []models.FileRef{}
	}
	return refs
}
