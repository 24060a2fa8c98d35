// Package dispatcher fans fetch requests out over a Fetcher.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wetraa/999md-scraper/internal/crawler"
)

// Result pairs a request with what the fetcher returned for it.
type Result struct {
	Request  crawler.FetchRequest
	Response crawler.FetchResponse
	Err      error
	// Elapsed is the wall time of the whole call, retries included.
	Elapsed time.Duration
}

// Dispatcher runs batches of requests concurrently. It remembers every
// target it has dispatched for its whole lifetime and never fetches the
// same method and URL twice.
type Dispatcher struct {
	fetcher crawler.Fetcher
	workers int
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates a Dispatcher. workers bounds the goroutines started per Run;
// <= 0 starts one per request and leaves bounding to the fetcher.
func New(fetcher crawler.Fetcher, workers int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		fetcher: fetcher,
		workers: workers,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

// Run fetches reqs and calls handle once per dispatched request, in
// completion order. handle is never called concurrently. Run blocks until
// every dispatched fetch has finished and reports ctx's error if it was
// canceled before all requests were dispatched.
func (d *Dispatcher) Run(ctx context.Context, reqs []crawler.FetchRequest, handle func(Result)) error {
	var (
		g        errgroup.Group
		handleMu sync.Mutex
	)
	if d.workers > 0 {
		g.SetLimit(d.workers)
	}
	var dispatchErr error
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			dispatchErr = fmt.Errorf("dispatch canceled: %w", err)
			break
		}
		if !d.markIfNew(req) {
			d.logger.Debug("duplicate target skipped", zap.String("url", req.URL))
			continue
		}
		g.Go(func() error {
			start := time.Now()
			resp, err := d.fetcher.Fetch(ctx, req)
			elapsed := time.Since(start)
			handleMu.Lock()
			defer handleMu.Unlock()
			handle(Result{Request: req, Response: resp, Err: err, Elapsed: elapsed})
			return nil
		})
	}
	_ = g.Wait() // workers report through handle
	return dispatchErr
}

// Seen reports how many distinct targets have been dispatched.
func (d *Dispatcher) Seen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Dispatcher) markIfNew(req crawler.FetchRequest) bool {
	key := req.MethodOrDefault() + " " + req.URL
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}
