// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/wetraa/999md-scraper/internal/crawler"
	"github.com/wetraa/999md-scraper/internal/pipeline"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes caps the response body; 0 keeps colly's default.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Every call
// gets its own collector, and with it a fresh cookie jar, so cookies never
// leak between calls.
type Fetcher struct {
	cfg       Config
	transport *http.Transport
	proxies   sync.Map // proxy URL -> *http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
	}
}

// Fetch executes a single HTTP request using Colly. Non-2xx responses are
// returned as responses, not errors. Connection failures and timeouts come
// back as *pipeline.TransientNetworkError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", err)
	}
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	collector, err := f.buildCollector(ctx, request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	f.configureCollectorHooks(collector, request, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, request crawler.FetchRequest) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(f.cfg.MaxBodyBytes))
	}
	collector := colly.NewCollector(opts...)
	collector.SetRequestTimeout(f.cfg.Timeout)

	transport, err := f.transportFor(request.Proxy)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(&contextTransport{ctx: ctx, base: transport})

	if len(request.Cookies) > 0 {
		if err := collector.SetCookies(request.URL, request.Cookies); err != nil {
			return nil, fmt.Errorf("set cookies for %s: %w", request.URL, err)
		}
	}
	return collector, nil
}

func (f *Fetcher) transportFor(proxy string) (*http.Transport, error) {
	if proxy == "" {
		return f.transport, nil
	}
	if t, ok := f.proxies.Load(proxy); ok {
		return t.(*http.Transport), nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil || proxyURL.Scheme == "" || proxyURL.Host == "" {
		return nil, fmt.Errorf("invalid proxy %q", proxy)
	}
	t := f.transport.Clone()
	t.Proxy = http.ProxyURL(proxyURL)
	actual, _ := f.proxies.LoadOrStore(proxy, t)
	return actual.(*http.Transport), nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request crawler.FetchRequest,
	fetchErr *error,
) error {
	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(request.MethodOrDefault(), request.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("colly fetch canceled: %w", ctxErr)
		}
		if err == nil {
			err = *fetchErr
		}
		if err != nil {
			return classifyError(request.URL, err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// classifyError maps transport failures onto the pipeline's retryable kinds.
// Everything else, such as malformed URLs, is returned as a plain error.
func classifyError(target string, err error) error {
	cause := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		cause = urlErr.Err
	}
	var netErr net.Error
	switch {
	case errors.Is(cause, context.DeadlineExceeded),
		errors.As(cause, &netErr) && netErr.Timeout():
		return &pipeline.TransientNetworkError{URL: target, Timeout: true, Err: err}
	case errors.As(cause, &netErr),
		errors.Is(cause, io.EOF),
		errors.Is(cause, io.ErrUnexpectedEOF),
		errors.Is(cause, syscall.ECONNRESET),
		errors.Is(cause, syscall.ECONNREFUSED):
		return &pipeline.TransientNetworkError{URL: target, Err: err}
	default:
		return fmt.Errorf("colly visit failed: %w", err)
	}
}

// contextTransport binds outgoing requests to the caller's context so a
// cancel aborts the request in flight.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx)) //nolint:wrapcheck // http.Client inspects the raw error.
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
