// Package stream applies a streamed backend response to the in-progress
// assistant message. The byte framing is owned by the Parser implementation;
// callers only see incremental message updates and a terminal error.
package stream

import (
	"context"
	"errors"
	"io"
	"unicode/utf8"

	"scribe/internal/models"
)

// Updater is the narrow mutation capability handed to parsers. fn runs with
// exclusive access to the addressed message; it must not retain the pointer.
type Updater interface {
	Update(id string, fn func(m *models.ChatMessage)) bool
}

// Parser consumes r until the stream ends (nil), fails (error) or ctx is
// cancelled (ctx.Err()). It is the only writer of the assistant message's
// content, parts, reasoning and tool invocations while streaming.
type Parser interface {
	Parse(ctx context.Context, r io.Reader, id string, u Updater) error
}

// ErrStream is returned for an error event reported inside the stream.
var ErrStream = errors.New("stream error")

const readSize = 4 << 10

// Standard treats the body as raw UTF-8 text chunks appended to Content.
type Standard struct{}

func (Standard) Parse(ctx context.Context, r io.Reader, id string, u Updater) error {
	buf := make([]byte, readSize)
	var carry []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			cut := completeUTF8(chunk)
			text := string(chunk[:cut])
			carry = append([]byte(nil), chunk[cut:]...)
			if text != "" {
				u.Update(id, func(m *models.ChatMessage) { appendText(m, text) })
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(carry) > 0 {
					rest := string(carry)
					u.Update(id, func(m *models.ChatMessage) { appendText(m, rest) })
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

// completeUTF8 returns the length of the longest prefix of b that does not
// end inside a multi-byte rune.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func appendText(m *models.ChatMessage, text string) {
	m.Content += text
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == models.PartText {
		m.Parts[n-1].Text += text
		return
	}
	m.Parts = append(m.Parts, models.MessagePart{Type: models.PartText, Text: text})
}

func appendReasoning(m *models.ChatMessage, text string) {
	m.Reasoning += text
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == models.PartReasoning {
		m.Parts[n-1].Text += text
		return
	}
	m.Parts = append(m.Parts, models.MessagePart{Type: models.PartReasoning, Text: text})
}
