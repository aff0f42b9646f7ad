package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"scribe/internal/intake"
	"scribe/internal/models"
	"scribe/internal/router"
)

// ErrNoBody is returned when a 2xx response carries no readable stream.
var ErrNoBody = errors.New("response has no body")

// HTTPError is a non-2xx answer from the chat backend. Message is the
// server-provided error or "HTTP <status>: <statusText>".
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string { return e.Message }

// Poster issues one chat request and returns the streamed body.
type Poster interface {
	Post(ctx context.Context, ep router.Endpoint, body any) (io.ReadCloser, error)
}

// Transport is the HTTP client for the chat endpoints. The timeout bounds
// the wait for response headers only; a running stream is never cut off
// by it. Requests are never retried.
type Transport struct {
	baseURL string
	http    *http.Client
}

func NewTransport(baseURL string, timeout time.Duration) *Transport {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Transport{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Transport: tr}}
}

// HTTPClient exposes the underlying client so the file extractor can share
// its connection pool.
func (t *Transport) HTTPClient() *http.Client { return t.http }

func (t *Transport) Post(ctx context.Context, ep router.Endpoint, body any) (io.ReadCloser, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+ep.Path(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := intake.ErrorMessage(resp, "HTTP")
		resp.Body.Close()
		return nil, &HTTPError{Status: resp.StatusCode, Message: msg}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fmt.Errorf("%s: %w", ep, ErrNoBody)
	}
	return resp.Body, nil
}

// wireMessage is the role/content pair the backends expect in "messages".
type wireMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type askRequest struct {
	Question               string               `json:"question"`
	Context                string               `json:"context"`
	UseWeb                 bool                 `json:"useWeb"`
	EditorContent          string               `json:"editorContent,omitempty"`
	DocumentContextEnabled bool                 `json:"documentContextEnabled"`
	FileContents           []models.FileContent `json:"fileContents,omitempty"`
	Messages               []wireMessage        `json:"messages"`
	Attachments            []models.FileRef     `json:"attachments"`
}

// agentRequest is shared by the websearch, bachelorarbeit and general
// endpoints.
type agentRequest struct {
	Messages               []wireMessage        `json:"messages"`
	UseWeb                 bool                 `json:"useWeb"`
	EditorContent          string               `json:"editorContent"`
	DocumentContextEnabled bool                 `json:"documentContextEnabled"`
	FileContents           []models.FileContent `json:"fileContents,omitempty"`
	ProjectID              string               `json:"projectId"`
	AgentState             models.AgentState    `json:"agentState"`
}

func toWire(msgs []models.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Hidden {
			continue
		}
		out = append(out, wireMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
