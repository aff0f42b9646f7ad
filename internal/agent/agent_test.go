package agent

import (
	"errors"
	"testing"

	"scribe/internal/models"
)

func TestDetectArbeitType(t *testing.T) {
	cases := map[string]models.ArbeitType{
		"Ich schreibe eine Bachelorarbeit über Klimawandel": models.ArbeitBachelor,
		"Hilfe bei meiner Masterarbeit":                      models.ArbeitMaster,
		"a seminararbeit on Kant":                            models.ArbeitGeneral,
		"wie geht es dir?":                                   "",
	}
	for in, want := range cases {
		if got := DetectArbeitType(in); got != want {
			t.Fatalf("DetectArbeitType(%q)=%q want %q", in, got, want)
		}
	}
}

func TestExtractThema(t *testing.T) {
	cases := map[string]string{
		"Ich schreibe eine Bachelorarbeit über Klimawandel":   "Klimawandel",
		"Thema: Digitalisierung im Mittelstand.":              "Digitalisierung im Mittelstand",
		"I am writing a thesis about renewable energy policy": "renewable energy policy",
		"Hallo":                                              "",
	}
	for in, want := range cases {
		if got := ExtractThema(in); got != want {
			t.Fatalf("ExtractThema(%q)=%q want %q", in, got, want)
		}
	}
}

func TestMemoryStoreStartRequiresType(t *testing.T) {
	s := NewMemoryStore()
	if err := s.StartAgent("", "x"); !errors.Is(err, ErrNoArbeitType) {
		t.Fatalf("expected ErrNoArbeitType, got %v", err)
	}
	if s.State().IsActive {
		t.Fatal("agent must stay inactive")
	}
	if err := s.StartAgent(models.ArbeitBachelor, "Klimawandel"); err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if !st.IsActive || st.ArbeitType != models.ArbeitBachelor || st.Thema != "Klimawandel" || st.CurrentStep != 1 {
		t.Fatalf("unexpected state %+v", st)
	}
	s.Reset()
	if s.State().IsActive {
		t.Fatal("reset should deactivate")
	}
}
