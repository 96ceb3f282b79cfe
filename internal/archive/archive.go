// Package archive stores fetched payloads as gzip files so extraction can be
// replayed offline.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/stockwatch/internal/fetch"
)

const (
	ext         = ".gz"
	maxBodySize = 64 << 20
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Writer writes one file per payload into a directory.
type Writer struct {
	dir string
}

// NewWriter creates dir if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create archive dir %q", dir)
	}
	return &Writer{dir: dir}, nil
}

// Archive writes p and returns the file path. The gzip header carries the
// target, strategy, source URL and fetch time.
func (w *Writer) Archive(ctx context.Context, p *fetch.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := unsafeName.ReplaceAllString(p.Target, "_")
	if target == "" {
		target = "payload"
	}
	name := fmt.Sprintf("%s-%s%s", target, p.FetchedAt.UTC().Format("20060102T150405.000000000"), ext)
	path := filepath.Join(w.dir, name)

	tmp, err := os.CreateTemp(w.dir, ".archive-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	gz := pgzip.NewWriter(tmp)
	gz.Name = target
	gz.ModTime = p.FetchedAt
	gz.Comment = p.Strategy
	if p.URL != nil {
		gz.Comment += " " + p.URL.String()
	}
	if _, err := gz.Write(p.Body); err != nil {
		_ = tmp.Close()
		return "", errors.Wrap(err, "write payload")
	}
	if err := gz.Close(); err != nil {
		_ = tmp.Close()
		return "", errors.Wrap(err, "flush gzip")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.Wrap(err, "rename archive")
	}
	return path, nil
}

// Read loads an archived payload.
func Read(path string) (*fetch.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "open gzip %q", path)
	}
	defer func() { _ = gz.Close() }()

	body, err := io.ReadAll(io.LimitReader(gz, maxBodySize))
	if err != nil {
		return nil, errors.Wrapf(err, "read %q", path)
	}

	p := &fetch.Payload{
		Target:    gz.Name,
		Body:      body,
		FetchedAt: gz.ModTime,
	}
	strategy, raw, _ := strings.Cut(gz.Comment, " ")
	p.Strategy = strategy
	if raw != "" {
		if u, err := url.Parse(raw); err == nil {
			p.URL = u
		}
	}
	return p, nil
}

// List returns the archive files in dir, oldest name first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %q", dir)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ext) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(out)
	return out, nil
}

// Prune removes archive files older than maxAge, measured from now.
func Prune(dir string, maxAge time.Duration, now time.Time) (int, error) {
	files, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
