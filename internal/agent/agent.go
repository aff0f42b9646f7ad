// Package agent holds the thesis-agent state capability and the heuristics
// used to activate it from free text.
package agent

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"scribe/internal/models"
)

var ErrNoArbeitType = errors.New("agent: arbeit type required")

// Store is the read/write capability the orchestrator uses instead of a
// global agent store.
type Store interface {
	State() models.AgentState
	StartAgent(t models.ArbeitType, thema string) error
	SetStep(step int)
	Reset()
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu sync.Mutex
	st models.AgentState
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) State() models.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// StartAgent activates the agent. An active agent always carries a type.
func (s *MemoryStore) StartAgent(t models.ArbeitType, thema string) error {
	if t == "" {
		return ErrNoArbeitType
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = models.AgentState{IsActive: true, ArbeitType: t, Thema: thema, CurrentStep: 1}
	return nil
}

func (s *MemoryStore) SetStep(step int) {
	s.mu.Lock()
	s.st.CurrentStep = step
	s.mu.Unlock()
}

func (s *MemoryStore) Reset() {
	s.mu.Lock()
	s.st = models.AgentState{}
	s.mu.Unlock()
}

var arbeitKeywords = []struct {
	t     models.ArbeitType
	words []string
}{
	{models.ArbeitMaster, []string{"masterarbeit", "master thesis", "master's thesis", "masterthesis"}},
	{models.ArbeitBachelor, []string{"bachelorarbeit", "bachelor thesis", "bachelor's thesis", "bachelorthesis", "abschlussarbeit"}},
	{models.ArbeitGeneral, []string{"hausarbeit", "seminararbeit", "facharbeit", "projektarbeit", "essay", "term paper"}},
}

// DetectArbeitType returns the thesis type mentioned in text, or "" if none.
func DetectArbeitType(text string) models.ArbeitType {
	lower := strings.ToLower(text)
	for _, k := range arbeitKeywords {
		for _, w := range k.words {
			if strings.Contains(lower, w) {
				return k.t
			}
		}
	}
	return ""
}

var themaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bthema\s*[:=]\s*["„]?([^"“\n]+)`),
	regexp.MustCompile(`(?i)\bzum\s+thema\s+["„]?([^"“\n]+)`),
	// \b is ASCII-only in RE2, so the umlaut needs an explicit boundary.
	regexp.MustCompile(`(?i)(?:^|\s)(?:über|ueber)\s+["„]?([^"“\n]+)`),
	regexp.MustCompile(`(?i)\b(?:topic\s*[:=]|about|on the topic of)\s+["“]?([^"”\n]+)`),
}

// ExtractThema pulls a topic out of a free-text request, or returns "".
func ExtractThema(text string) string {
	for _, re := range themaPatterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		t := strings.TrimSpace(m[1])
		t = strings.TrimRight(t, ".!?,;:\"“”")
		t = strings.TrimSpace(t)
		if len([]rune(t)) >= 3 {
			return t
		}
	}
	return ""
}
