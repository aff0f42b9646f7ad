package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"scribe/internal/models"
)

const filesPath = "/api/files/"

// maxFetchBytes bounds a re-downloaded attachment.
const maxFetchBytes = 32 << 20

var ErrNoLocation = errors.New("file has neither id nor url")

// HTTPFetcher re-downloads previously uploaded files, by URL when the
// reference carries one and by id from the backend otherwise.
type HTTPFetcher struct {
	baseURL string
	http    *http.Client
}

func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

func (f *HTTPFetcher) FetchFile(ctx context.Context, ref models.FileRef) (Attachment, error) {
	var target string
	switch {
	case ref.URL != "":
		target = ref.URL
	case ref.ID != "":
		target = f.baseURL + filesPath + url.PathEscape(ref.ID)
	default:
		return Attachment{}, fmt.Errorf("%s: %w", ref.Name, ErrNoLocation)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Attachment{}, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return Attachment{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Attachment{}, fmt.Errorf("fetch %s: %s", ref.Name, ErrorMessage(resp, "Error"))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return Attachment{}, err
	}
	if len(data) > maxFetchBytes {
		return Attachment{}, fmt.Errorf("fetch %s: file exceeds %d bytes", ref.Name, maxFetchBytes)
	}
	typ := ref.Type
	if typ == "" {
		typ = resp.Header.Get("Content-Type")
	}
	return Attachment{Name: ref.Name, Type: typ, Size: int64(len(data)), Data: data, ID: ref.ID, URL: ref.URL}, nil
}
