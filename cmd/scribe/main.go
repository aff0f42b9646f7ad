package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"scribe/internal/agent"
	"scribe/internal/assembler"
	"scribe/internal/config"
	"scribe/internal/intake"
	mylog "scribe/internal/log"
	"scribe/internal/models"
	"scribe/internal/orchestrator"
	"scribe/internal/store"
)

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// app holds the wired collaborators of one CLI invocation.
type app struct {
	cfg    *config.Config
	log    *mylog.Logger
	sqlite *store.SQLiteStore
	facade *store.Facade
	orch   *orchestrator.Orchestrator
}

func (a *app) Close() {
	if a.sqlite != nil {
		_ = a.sqlite.Close()
	}
}

// fileDocument serves the editor document from a markdown file.
type fileDocument string

func (d fileDocument) FetchEditorMarkdown(context.Context) (string, error) {
	b, err := os.ReadFile(string(d))
	return string(b), err
}

type sessionFlags struct {
	mode     string
	web      bool
	document bool
	docPath  string
}

func newApp(sf sessionFlags) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	lg := mylog.NewWithWriter(os.Stderr, mylog.ParseLevel(cfg.LogLevel)).With("component", "scribe")
	a := &app{cfg: cfg, log: lg}

	var primary store.Repository
	if cfg.UserID != "" {
		s, err := store.NewSQLite(cfg.SQLitePath, lg)
		if err != nil {
			lg.Warn("store.sqlite_unavailable", "path", cfg.SQLitePath, "err", err)
		} else {
			a.sqlite, primary = s, s
		}
	}
	a.facade = store.NewFacade(primary, store.NewLocal(cfg.LocalStorePath), func() string { return cfg.UserID }, lg)

	tr := orchestrator.NewTransport(cfg.ServerURL, cfg.HTTPTimeout)
	mode := models.AgentMode(sf.mode)
	switch mode {
	case models.ModeBachelor, models.ModeGeneral, models.ModeStandard:
	default:
		return nil, fmt.Errorf("unknown mode %q (bachelor, general, standard)", sf.mode)
	}
	var docs orchestrator.DocumentSource
	if sf.docPath != "" {
		docs = fileDocument(sf.docPath)
	}
	a.orch = orchestrator.New(orchestrator.Options{
		Transport: tr,
		Intake: &intake.Pipeline{
			Server: intake.NewServerExtractor(cfg.ServerURL, tr.HTTPClient(), cfg.ExtractCacheSize),
			Log:    lg,
		},
		Agent:     agent.NewMemoryStore(),
		Documents: docs,
		Files:     intake.NewHTTPFetcher(cfg.ServerURL, tr.HTTPClient()),
		Store:     a.facade,
		ProjectID: cfg.ProjectID,
		Selection: models.ContextSelection{Document: sf.document, Web: sf.web, AgentMode: mode},
		Log:       lg,
	})
	return a, nil
}

func addSessionFlags(cmd *cobra.Command, sf *sessionFlags) {
	cmd.Flags().StringVarP(&sf.mode, "mode", "m", string(models.ModeStandard), "agent mode: bachelor, general or standard")
	cmd.Flags().BoolVarP(&sf.web, "web", "w", false, "allow web search")
	cmd.Flags().BoolVarP(&sf.document, "document", "d", false, "send the editor document as context")
	cmd.Flags().StringVar(&sf.docPath, "doc", "", "markdown file standing in for the editor document")
}

func readAttachment(path string) (intake.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return intake.Attachment{}, err
	}
	name := filepath.Base(path)
	return intake.Attachment{Name: name, Type: mime.TypeByExtension(filepath.Ext(name)), Size: int64(len(data)), Data: data}, nil
}

// runStreaming executes fn while echoing the growing assistant reply on a
// terminal. Ctrl-C stops the request and keeps the partial answer.
func runStreaming(ctx context.Context, o *orchestrator.Orchestrator, fn func(context.Context) error) error {
	sig, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	go func() {
		<-sig.Done()
		o.Stop()
	}()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	live := isTerminal(os.Stdout)
	printed := 0
	flush := func() {
		id := o.StreamingID()
		if id == "" {
			return
		}
		m, ok := o.State().Find(id)
		if !ok || len(m.Content) <= printed {
			return
		}
		fmt.Print(m.Content[printed:])
		printed = len(m.Content)
	}
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-done:
			msgs := o.State().Messages()
			if len(msgs) > 0 {
				last := msgs[len(msgs)-1]
				if !live || printed == 0 || o.LastOutcome() == orchestrator.PhaseFailed {
					if printed > 0 {
						fmt.Println()
					}
					fmt.Println(last.Content)
				} else if len(last.Content) > printed {
					fmt.Println(last.Content[printed:])
				} else {
					fmt.Println()
				}
			}
			for _, n := range o.Notices() {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", n.Level, n.Text)
			}
			if err == nil && o.LastOutcome() == orchestrator.PhaseFailed {
				return fmt.Errorf("request failed")
			}
			return err
		case <-tick.C:
			if live {
				flush()
			}
		}
	}
}

func sendCmd() *cobra.Command {
	var sf sessionFlags
	var convID string
	var files, pending []string
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(sf)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			if convID != "" {
				if err := a.orch.LoadConversation(ctx, convID); err != nil {
					return err
				}
			}
			for _, p := range files {
				att, err := readAttachment(p)
				if err != nil {
					return err
				}
				a.orch.AddAttachment(att)
			}
			st := a.orch.State()
			st.SetInput(strings.Join(args, " "))
			for _, p := range pending {
				st.AddPendingContext(p)
			}
			err = runStreaming(ctx, a.orch, func(ctx context.Context) error {
				return a.orch.Send(ctx, a.orch.Composer())
			})
			fmt.Fprintf(os.Stderr, "conversation: %s\n", st.ConversationID())
			return err
		},
	}
	addSessionFlags(cmd, &sf)
	cmd.Flags().StringVarP(&convID, "conversation", "c", "", "continue a stored conversation")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().StringArrayVar(&pending, "highlight", nil, "highlighted text to elaborate on (repeatable)")
	return cmd
}

func regenerateCmd() *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "regenerate <conversation>",
		Short: "Regenerate the last answer of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(sf)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.orch.LoadConversation(cmd.Context(), args[0]); err != nil {
				return err
			}
			return runStreaming(cmd.Context(), a.orch, a.orch.Regenerate)
		},
	}
	addSessionFlags(cmd, &sf)
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List stored conversations, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			for _, c := range a.facade.LoadChatHistory(cmd.Context()) {
				mode := c.AgentMode
				if mode == "" {
					mode = models.ModeStandard
				}
				fmt.Printf("%s  %-14s  %-8s  %3d msgs  %s\n", c.ID, humanize.Time(c.UpdatedAt), mode, len(c.Messages), c.Title)
			}
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation>",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			c, ok := a.facade.LoadConversation(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("%s: %w", args[0], orchestrator.ErrNoConversation)
			}
			fmt.Printf("# %s (%s, ~%s tokens)\n\n", c.Title, humanize.Time(c.UpdatedAt), humanize.Comma(int64(assembler.EstimatePayload(c.Messages, nil))))
			for _, m := range c.Messages {
				if m.Hidden {
					continue
				}
				fmt.Printf("[%s %s]\n%s\n", m.Role, m.ID, m.Content)
				for _, f := range m.Files {
					fmt.Printf("  attachment: %s (%s)\n", f.Name, humanize.Bytes(uint64(f.Size)))
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation>",
		Short: "Delete a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			a.orch.DeleteConversation(cmd.Context(), args[0])
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete unpinned conversations older than --days from the primary store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.sqlite == nil {
				return fmt.Errorf("primary store not configured (set SCRIBE_USER_ID)")
			}
			n, err := a.sqlite.CleanupConversations(days)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d conversations\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "age in days")
	return cmd
}

func commandsCmd() *cobra.Command {
	root := &cobra.Command{Use: "commands", Short: "Manage slash commands"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List slash commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			for _, c := range a.facade.ListSlashCommands(cmd.Context()) {
				fmt.Printf("%s  %s  %s\n", c.ID, c.Label, c.Content)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "add <label> <content>",
		Short: "Add a slash command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			label := args[0]
			if !strings.HasPrefix(label, "/") {
				label = "/" + label
			}
			c := models.SlashCommand{ID: uuid.NewString(), Label: label, Content: args[1]}
			a.facade.SaveSlashCommand(cmd.Context(), c)
			fmt.Println(c.ID)
			return nil
		},
	}, &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a slash command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			a.facade.DeleteSlashCommand(cmd.Context(), args[0])
			return nil
		},
	})
	return root
}

const previewRunes = 80

func savedCmd() *cobra.Command {
	root := &cobra.Command{Use: "saved", Short: "Manage saved messages"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved messages, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			for _, m := range a.facade.ListSavedMessages(cmd.Context()) {
				fmt.Printf("%s  %-14s  %s  %s\n", m.ID, humanize.Time(m.Timestamp), m.Role, m.Preview)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "add <conversation> <message>",
		Short: "Save a message of a stored conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			c, ok := a.facade.LoadConversation(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("%s: %w", args[0], orchestrator.ErrNoConversation)
			}
			for _, m := range c.Messages {
				if m.ID != args[1] {
					continue
				}
				preview := []rune(m.Content)
				if len(preview) > previewRunes {
					preview = append(preview[:previewRunes], '…')
				}
				s := models.SavedMessage{
					ID:             uuid.NewString(),
					MessageID:      m.ID,
					ConversationID: c.ID,
					Content:        m.Content,
					Role:           m.Role,
					Timestamp:      time.Now(),
					Preview:        string(preview),
				}
				a.facade.SaveMessage(cmd.Context(), s)
				fmt.Println(s.ID)
				return nil
			}
			return fmt.Errorf("message %s not found in %s", args[1], args[0])
		},
	}, &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a saved message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(sessionFlags{mode: string(models.ModeStandard)})
			if err != nil {
				return err
			}
			defer a.Close()
			a.facade.DeleteSavedMessage(cmd.Context(), args[0])
			return nil
		},
	})
	return root
}

func main() {
	root := &cobra.Command{
		Use:           "scribe",
		Short:         "scribe - writing assistant chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(sendCmd(), regenerateCmd(), historyCmd(), showCmd(), deleteCmd(), cleanupCmd(), commandsCmd(), savedCmd())
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "scribe: %v\n", err)
		os.Exit(1)
	}
}
