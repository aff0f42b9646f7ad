package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"scribe/internal/models"
)

// Agent reads the agent endpoints' event stream: one `data: {json}` line
// per event, terminated by `data: [DONE]` or EOF. Lines without the data
// prefix and undecodable payloads are skipped.
type Agent struct {
	// OnStep, when set, receives agent-step events.
	OnStep func(step int)
}

type agentEvent struct {
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
	Result     any            `json:"result"`
	URL        string         `json:"url"`
	Title      string         `json:"title"`
	ID         string         `json:"id"`
	Step       int            `json:"step"`
	Error      string         `json:"error"`
}

func (a Agent) Parse(ctx context.Context, r io.Reader, id string, u Updater) error {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadString('\n')
		if line != "" {
			done, perr := a.handleLine(line, id, u)
			if perr != nil {
				return perr
			}
			if done {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

func (a Agent) handleLine(line, id string, u Updater) (bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "[DONE]" {
		return true, nil
	}
	var evt agentEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return false, nil
	}
	switch evt.Type {
	case "text":
		if evt.Text != "" {
			u.Update(id, func(m *models.ChatMessage) { appendText(m, evt.Text) })
		}
	case "reasoning":
		if evt.Text != "" {
			u.Update(id, func(m *models.ChatMessage) { appendReasoning(m, evt.Text) })
		}
	case "tool-call":
		ti := models.ToolInvocation{ToolCallID: evt.ToolCallID, ToolName: evt.ToolName, Args: evt.Args, State: "call"}
		u.Update(id, func(m *models.ChatMessage) {
			m.ToolInvocations = append(m.ToolInvocations, ti)
			cp := ti
			m.Parts = append(m.Parts, models.MessagePart{Type: models.PartToolInvocation, ToolInvocation: &cp})
		})
	case "tool-result":
		u.Update(id, func(m *models.ChatMessage) {
			for i := range m.ToolInvocations {
				if m.ToolInvocations[i].ToolCallID == evt.ToolCallID {
					m.ToolInvocations[i].Result = evt.Result
					m.ToolInvocations[i].State = "result"
				}
			}
			for i := range m.Parts {
				if ti := m.Parts[i].ToolInvocation; ti != nil && ti.ToolCallID == evt.ToolCallID {
					ti.Result = evt.Result
					ti.State = "result"
				}
			}
		})
	case "source":
		src := models.Source{ID: evt.ID, URL: evt.URL, Title: evt.Title}
		u.Update(id, func(m *models.ChatMessage) {
			m.Parts = append(m.Parts, models.MessagePart{Type: models.PartSource, Source: &src})
		})
	case "agent-step":
		if a.OnStep != nil && evt.Step > 0 {
			a.OnStep(evt.Step)
		}
	case "error":
		return false, fmt.Errorf("%w: %s", ErrStream, evt.Error)
	}
	return false, nil
}
