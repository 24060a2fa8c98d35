package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wetraa/999md-scraper/internal/crawler"
	"github.com/wetraa/999md-scraper/internal/hash/sha256"
	"github.com/wetraa/999md-scraper/internal/pipeline"
)

const (
	maxRequestBytes = 1 << 20
	maxTries        = 10
)

type fetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
	Cookies map[string]string `json:"cookies"`
	Proxy   string            `json:"proxy"`
	// Tries overrides the pipeline's attempt budget for this call.
	Tries *int `json:"tries"`
}

type fetchResponse struct {
	URL        string      `json:"url"`
	FinalURL   string      `json:"final_url,omitempty"`
	Status     int         `json:"status,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       string      `json:"body,omitempty"`
	BodySHA256 string      `json:"body_sha256,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	freq, err := toFetchRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if req.Tries != nil {
		cfg := s.pipeline.RetryConfig()
		cfg.Tries = *req.Tries
		ctx = pipeline.WithRetryConfig(ctx, cfg)
	}

	start := time.Now()
	resp, err := s.pipeline.Fetch(ctx, freq)
	out := fetchResponse{
		URL:        freq.URL,
		FinalURL:   resp.URL,
		Status:     resp.StatusCode,
		Headers:    resp.Headers,
		Body:       string(resp.Body),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if len(resp.Body) > 0 {
		out.BodySHA256 = sha256.Digest(resp.Body)
	}
	if err == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}

	out.Error = pipeline.Describe(err)
	if kind, ok := pipeline.KindOf(err); ok {
		out.ErrorKind = string(kind)
	}
	s.logger.Warn("fetch failed",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("url", freq.URL),
		zap.Error(err),
	)
	writeJSON(w, fetchErrorStatus(err), out)
}

func (s *Server) limiterSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Limiter().Snapshot())
}

func fetchErrorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func toFetchRequest(req fetchRequest) (crawler.FetchRequest, error) {
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return crawler.FetchRequest{}, errors.New("url must be an absolute http(s) URL")
	}
	if req.Tries != nil && (*req.Tries < 1 || *req.Tries > maxTries) {
		return crawler.FetchRequest{}, fmt.Errorf("tries must be between 1 and %d", maxTries)
	}
	out := crawler.FetchRequest{
		URL:    target.String(),
		Method: strings.ToUpper(req.Method),
		Proxy:  req.Proxy,
	}
	if req.Body != "" {
		out.Body = []byte(req.Body)
	}
	if len(req.Headers) > 0 {
		out.Headers = make(http.Header, len(req.Headers))
		for k, v := range req.Headers {
			out.Headers.Set(k, v)
		}
	}
	if len(req.Cookies) > 0 {
		names := make([]string, 0, len(req.Cookies))
		for name := range req.Cookies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out.Cookies = append(out.Cookies, &http.Cookie{Name: name, Value: req.Cookies[name]})
		}
	}
	return out, nil
}
