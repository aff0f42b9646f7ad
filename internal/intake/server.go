package intake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"scribe/internal/models"
)

const extractPath = "/api/files/extract"

// ServerExtractor uploads one file per call to the backend extraction
// endpoint. Successful results are cached by name and content hash.
type ServerExtractor struct {
	baseURL string
	http    *http.Client
	cache   *lru.Cache[string, models.FileContent]
}

// NewServerExtractor builds an extractor for baseURL. cacheSize <= 0
// disables the cache.
func NewServerExtractor(baseURL string, client *http.Client, cacheSize int) *ServerExtractor {
	if client == nil {
		client = http.DefaultClient
	}
	e := &ServerExtractor{baseURL: strings.TrimRight(baseURL, "/"), http: client}
	if cacheSize > 0 {
		e.cache, _ = lru.New[string, models.FileContent](cacheSize)
	}
	return e
}

func cacheKey(a Attachment) string {
	sum := sha256.Sum256(a.Data)
	return a.Name + ":" + hex.EncodeToString(sum[:])
}

func (e *ServerExtractor) Extract(ctx context.Context, a Attachment) (models.FileContent, error) {
	key := cacheKey(a)
	if e.cache != nil {
		if fc, ok := e.cache.Get(key); ok {
			return fc, nil
		}
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, a.Name))
	ct := a.Type
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return models.FileContent{}, err
	}
	if _, err := part.Write(a.Data); err != nil {
		return models.FileContent{}, err
	}
	if err := mw.Close(); err != nil {
		return models.FileContent{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+extractPath, &body)
	if err != nil {
		return models.FileContent{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := e.http.Do(req)
	if err != nil {
		return models.FileContent{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return models.FileContent{}, fmt.Errorf("extract %s: %s", a.Name, ErrorMessage(resp, "Error"))
	}
	var out struct {
		Content  string `json:"content"`
		ID       string `json:"id"`
		URL      string `json:"url"`
		Metadata struct {
			FileType string `json:"fileType"`
			FileID   string `json:"fileId"`
			URL      string `json:"url"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.FileContent{}, fmt.Errorf("extract %s: decode: %w", a.Name, err)
	}
	fc := models.FileContent{Name: a.Name, Content: out.Content, Type: out.Metadata.FileType, FileID: out.ID, FileURL: out.URL}
	if fc.FileID == "" {
		fc.FileID = out.Metadata.FileID
	}
	if fc.FileURL == "" {
		fc.FileURL = out.Metadata.URL
	}
	if e.cache != nil && strings.TrimSpace(fc.Content) != "" {
		e.cache.Add(key, fc)
	}
	return fc, nil
}

// ErrorMessage reads the `{error}` body of a failed response, falling back
// to "<prefix> <status>: <statusText>" when the body is missing or not JSON.
func ErrorMessage(resp *http.Response, prefix string) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e struct {
		Error string `json:"error"`
	}
	if len(data) > 0 && json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return fmt.Sprintf("%s %d: %s", prefix, resp.StatusCode, http.StatusText(resp.StatusCode))
}
