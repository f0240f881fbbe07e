package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultHTTPTimeout = 20 * time.Second

// Entry is one file to fetch into the archive.
type Entry struct {
	Name string
	URL  string
}

// Result describes the outcome of one entry. Name is the name used inside
// the zip; Err is empty on success.
type Result struct {
	Name string `json:"name"`
	Err  string `json:"error,omitempty"`
}

type ctxKey int

const (
	ctxKeyHTTPTimeout ctxKey = iota
)

// WithHTTPTimeout returns a child context that carries the HTTP client timeout
func WithHTTPTimeout(parent context.Context, timeout time.Duration) context.Context {
	return context.WithValue(parent, ctxKeyHTTPTimeout, timeout)
}

func httpTimeoutFromContext(ctx context.Context) time.Duration {
	v := ctx.Value(ctxKeyHTTPTimeout)
	if d, ok := v.(time.Duration); ok && d > 0 {
		return d
	}
	return defaultHTTPTimeout
}

// Build downloads every entry and writes the bodies into a zip on w. It
// returns one Result per entry. Entries whose download fails, including
// mid-body, are left out of the zip; an error writing to w itself can still
// leave a partial entry behind.
func Build(ctx context.Context, w io.Writer, entries []Entry) ([]Result, error) {
	if len(entries) == 0 {
		return nil, errors.New("no entries provided")
	}

	zipWriter := zip.NewWriter(w)
	client := &http.Client{Timeout: httpTimeoutFromContext(ctx)}
	names := newNameSet()

	results := make([]Result, len(entries))
	for i, entry := range entries {
		results[i] = addEntry(ctx, client, zipWriter, names.unique(deriveName(entry, i)), entry.URL)
	}

	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return results, fmt.Errorf("close zip writer: %w", err)
	}
	return results, nil
}

func addEntry(ctx context.Context, client *http.Client, zipWriter *zip.Writer, name, rawURL string) Result {
	result := Result{Name: name}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(rawURL), nil)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	resp, err := client.Do(req)
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("entry", name).Err(err).Msg("archive fetch failed")
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = fmt.Sprintf("http %d", resp.StatusCode)
		log.Warn().Str("entry", name).Int("status", resp.StatusCode).Msg("unexpected status code")
		return result
	}

	// spool first so a body that breaks off mid-copy never reaches the zip
	spool, err := os.CreateTemp("", "famshare-archive-*")
	if err != nil {
		result.Err = err.Error()
		log.Error().Str("entry", name).Err(err).Msg("archive spool create failed")
		return result
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()
	if _, err := io.Copy(spool, resp.Body); err != nil {
		result.Err = err.Error()
		log.Warn().Str("entry", name).Err(err).Msg("archive fetch interrupted")
		return result
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		result.Err = err.Error()
		return result
	}

	entryWriter, err := zipWriter.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("entry", name).Err(err).Msg("zip entry create failed")
		return result
	}
	if _, err := io.Copy(entryWriter, spool); err != nil {
		result.Err = err.Error()
		log.Warn().Str("entry", name).Err(err).Msg("copy into zip failed")
	}
	return result
}

// deriveName prefers the entry name, then the URL path base, then file-N.
func deriveName(entry Entry, index int) string {
	if name := safeBase(entry.Name); name != "" {
		return name
	}
	raw := strings.TrimSpace(entry.URL)
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if name := safeBase(raw); name != "" && !strings.Contains(name, ":") {
		return name
	}
	return fmt.Sprintf("file-%d", index+1)
}

func safeBase(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	base := path.Base(p)
	if base == "/" || base == "." || base == ".." {
		return ""
	}
	return base
}

type nameSet map[string]int

func newNameSet() nameSet { return nameSet{} }

// unique appends -2, -3, ... before the extension for repeated names.
func (s nameSet) unique(name string) string {
	key := strings.ToLower(name)
	n := s[key]
	s[key] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n+1, ext)
	return s.unique(candidate)
}
