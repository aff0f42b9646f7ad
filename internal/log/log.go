package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelNames = map[Level]string{Debug: "debug", Info: "info", Warn: "warn", Error: "error"}
var nameToLevel = map[string]Level{"debug": Debug, "info": Info, "warn": Warn, "error": Error}

// Logger writes one JSON object per line. Children created with With share
// the parent's writer lock so interleaved writes never tear a line.
type Logger struct {
	out    io.Writer
	level  Level
	fields map[string]any
	mu     *sync.Mutex
}

// New returns a stderr logger whose level comes from SCRIBE_LOG_LEVEL.
func New() *Logger {
	return NewWithWriter(os.Stderr, ParseLevel(os.Getenv("SCRIBE_LOG_LEVEL")))
}

func NewWithWriter(w io.Writer, lvl Level) *Logger {
	return &Logger{out: w, level: lvl, fields: make(map[string]any), mu: &sync.Mutex{}}
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *Logger { return NewWithWriter(io.Discard, Error+1) }

// ParseLevel maps a level name to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	if l, ok := nameToLevel[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return Info
}

func (l *Logger) With(kv ...any) *Logger {
	child := &Logger{out: l.out, level: l.level, fields: make(map[string]any, len(l.fields)+len(kv)/2), mu: l.mu}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range toMap(kv...) {
		child.fields[k] = v
	}
	return child
}

func (l *Logger) write(level Level, msg string, kv map[string]any) {
	if l == nil || level < l.level {
		return
	}
	rec := make(map[string]any, 3+len(l.fields)+len(kv))
	rec["ts"] = time.Now().Format(time.RFC3339)
	rec["level"] = levelNames[level]
	rec["msg"] = msg
	for k, v := range l.fields {
		rec[k] = v
	}
	for k, v := range kv {
		rec[k] = v
	}
	maskSecrets(rec)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, _ := json.Marshal(rec)
	_, _ = l.out.Write(append(b, '\n'))
}

func (l *Logger) Debug(msg string, kv ...any) { l.write(Debug, msg, toMap(kv...)) }
func (l *Logger) Info(msg string, kv ...any)  { l.write(Info, msg, toMap(kv...)) }
func (l *Logger) Warn(msg string, kv ...any)  { l.write(Warn, msg, toMap(kv...)) }
func (l *Logger) Error(msg string, kv ...any) { l.write(Error, msg, toMap(kv...)) }

func toMap(kv ...any) map[string]any {
	m := make(map[string]any)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			m[k] = err.Error()
			continue
		}
		m[k] = kv[i+1]
	}
	return m
}

// maskSecrets redacts likely secret values in-place. Message text and user
// content fields are left alone so diagnostics stay readable.
func maskSecrets(m map[string]any) {
	secretKeys := []string{"key", "token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for k, v := range m {
		s, ok := v.(string)
		if !ok || k == "msg" {
			continue
		}
		lowerK := strings.ToLower(k)
		masked := false
		for _, p := range secretKeys {
			if strings.Contains(lowerK, p) {
				m[k] = redact(s)
				masked = true
				break
			}
		}
		if masked {
			continue
		}
		if strings.HasPrefix(strings.ToLower(s), "bearer ") {
			if parts := strings.SplitN(s, " ", 2); len(parts) == 2 {
				m[k] = "Bearer " + redact(parts[1])
			}
			continue
		}
		if strings.HasPrefix(s, "sk-") || looksSecret(s) {
			m[k] = redact(s)
		}
	}
}

var secretLike = regexp.MustCompile(`^(?i)[a-z0-9_\-]{32,}$`)

func looksSecret(s string) bool { return secretLike.MatchString(s) }

func redact(s string) string {
	n := len(s)
	if n <= 8 {
		return "***"
	}
	return fmt.Sprintf("%s***%s", s[:4], s[n-4:])
}
