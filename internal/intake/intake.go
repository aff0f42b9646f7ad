// Package intake turns attached files into extracted text for a request.
package intake

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	mylog "scribe/internal/log"
	"scribe/internal/models"
)

// Attachment is a file the user attached to the current turn.
type Attachment struct {
	Name string
	Type string // MIME type as reported by the picker, may be empty
	Size int64
	Data []byte

	// ID and URL are set once the backend knows the file.
	ID  string
	URL string
}

// Ref describes the attachment for the message record.
func (a Attachment) Ref() models.FileRef {
	size := a.Size
	if size == 0 {
		size = int64(len(a.Data))
	}
	return models.FileRef{Name: a.Name, Size: size, Type: a.Type, ID: a.ID, URL: a.URL}
}

// Extractor produces text for one attachment.
type Extractor interface {
	Extract(ctx context.Context, a Attachment) (models.FileContent, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, a Attachment) (models.FileContent, error)

func (f ExtractorFunc) Extract(ctx context.Context, a Attachment) (models.FileContent, error) {
	return f(ctx, a)
}

var clientTypes = map[string]bool{
	"text/plain":      true,
	"text/markdown":   true,
	"text/x-markdown": true,
}

var clientExts = map[string]bool{".txt": true, ".md": true, ".markdown": true}

// IsClientExtractable reports whether the file can be read locally as text.
func IsClientExtractable(a Attachment) bool {
	if clientTypes[strings.ToLower(a.Type)] {
		return true
	}
	return clientExts[strings.ToLower(filepath.Ext(a.Name))]
}

// LocalText reads plain text and markdown without a network call.
var LocalText = ExtractorFunc(func(_ context.Context, a Attachment) (models.FileContent, error) {
	if !utf8.Valid(a.Data) {
		return models.FileContent{}, fmt.Errorf("%s: not valid UTF-8 text", a.Name)
	}
	typ := strings.TrimPrefix(strings.ToLower(filepath.Ext(a.Name)), ".")
	if typ == "" {
		typ = "txt"
	}
	return models.FileContent{Name: a.Name, Content: string(a.Data), Type: typ}, nil
})

// Pipeline partitions, extracts and merges file contents.
type Pipeline struct {
	Client   Extractor
	Server   Extractor
	IsClient func(Attachment) bool
	Log      *mylog.Logger
}

// Result is the outcome of one intake run. Contents never holds duplicate
// names or empty entries; Notices has one warning per failed file. Refs has
// one entry per input file, in input order, carrying the backend id or url
// when extraction reported one.
type Result struct {
	Contents []models.FileContent
	Notices  []models.Notice
	Refs     []models.FileRef
}

// Run extracts every attachment and merges mention files from earlier
// turns. Server extractions run concurrently; results keep input order.
// Individual failures never fail the run. Once ctx is cancelled, failures
// are not reported.
func (p *Pipeline) Run(ctx context.Context, files []Attachment, mentionFiles []models.FileContent) Result {
	isClient := p.IsClient
	if isClient == nil {
		isClient = IsClientExtractable
	}
	client := p.Client
	if client == nil {
		client = LocalText
	}
	lg := p.Log
	if lg == nil {
		lg = mylog.Discard()
	}

	results := make([]*models.FileContent, len(files))
	errs := make([]error, len(files))

	var serverIdx []int
	for i, f := range files {
		if isClient(f) {
			fc, err := client.Extract(ctx, f)
			if err != nil {
				errs[i] = err
				continue
			}
			results[i] = &fc
			continue
		}
		serverIdx = append(serverIdx, i)
	}

	if len(serverIdx) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, i := range serverIdx {
			i := i
			g.Go(func() error {
				if p.Server == nil {
					errs[i] = fmt.Errorf("no server extractor configured")
					return nil
				}
				fc, err := p.Server.Extract(gctx, files[i])
				if err != nil {
					errs[i] = err
					return nil
				}
				results[i] = &fc
				return nil
			})
		}
		_ = g.Wait()
	}

	var res Result
	seen := make(map[string]bool)
	for i, f := range files {
		fc := results[i]
		ref := f.Ref()
		if fc != nil {
			if fc.FileID != "" {
				ref.ID = fc.FileID
			}
			if fc.FileURL != "" {
				ref.URL = fc.FileURL
			}
		}
		res.Refs = append(res.Refs, ref)
		if fc == nil || strings.TrimSpace(fc.Content) == "" {
			err := errs[i]
			if err == nil {
				err = fmt.Errorf("no text extracted")
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				lg.Debug("intake.cancelled", "file", f.Name)
				continue
			}
			lg.Warn("intake.extract_failed", "file", f.Name, "size", f.Ref().Size, "err", err)
			res.Notices = append(res.Notices, models.Notice{
				Level: models.NoticeWarning,
				Text:  fmt.Sprintf("Datei %q (%s) konnte nicht gelesen werden: %v", f.Name, humanize.Bytes(uint64(f.Ref().Size)), err),
			})
			continue
		}
		if fc.Name == "" {
			fc.Name = f.Name
		}
		if seen[fc.Name] {
			continue
		}
		seen[fc.Name] = true
		res.Contents = append(res.Contents, *fc)
	}
	res.Contents = Merge(res.Contents, mentionFiles)
	return res
}

// Merge appends mention files whose names are not already present. Fresh
// entries always win over mention entries of the same name.
func Merge(fresh, mentioned []models.FileContent) []models.FileContent {
	out := make([]models.FileContent, 0, len(fresh)+len(mentioned))
	seen := make(map[string]bool, len(fresh)+len(mentioned))
	for _, list := range [][]models.FileContent{fresh, mentioned} {
		for _, fc := range list {
			if fc.Name == "" || strings.TrimSpace(fc.Content) == "" || seen[fc.Name] {
				continue
			}
			seen[fc.Name] = true
			out = append(out, fc)
		}
	}
	return out
}
