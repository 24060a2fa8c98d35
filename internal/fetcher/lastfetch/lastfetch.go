// Package lastfetch keeps a copy of the most recent response body on disk,
// which is handy when a page stops parsing and you want to see what the
// server actually sent.
package lastfetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wetraa/999md-scraper/internal/crawler"
)

// Fetcher wraps another Fetcher and overwrites Path with the body of every
// response it returns. Write failures are logged and never fail the fetch.
type Fetcher struct {
	next   crawler.Fetcher
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// New wraps next. An empty path disables dumping and returns next unchanged.
func New(next crawler.Fetcher, path string, logger *zap.Logger) (crawler.Fetcher, error) {
	if strings.TrimSpace(path) == "" {
		return next, nil
	}
	if next == nil {
		return nil, fmt.Errorf("lastfetch: next fetcher is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create dump dir for %s: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{next: next, path: path, logger: logger}, nil
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := f.next.Fetch(ctx, req)
	if err != nil {
		return resp, err //nolint:wrapcheck // decorator is transparent
	}
	if werr := f.write(resp.Body); werr != nil {
		f.logger.Warn("failed to dump last fetch",
			zap.String("path", f.path),
			zap.String("url", resp.URL),
			zap.Error(werr),
		)
	}
	return resp, nil
}

// write replaces the dump atomically so readers never see a partial body.
func (f *Fetcher) write(body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
