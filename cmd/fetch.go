package cmd

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wetraa/999md-scraper/internal/crawler"
	"github.com/wetraa/999md-scraper/internal/dispatcher"
	"github.com/wetraa/999md-scraper/internal/pipeline"
)

type fetchOptions struct {
	method  string
	data    string
	proxy   string
	cookies []string
	headers []string
	workers int
	tries   int
}

// newFetchCmd creates the 'fetch' subcommand, which runs each target through
// the pipeline and prints one "duration | status | final URL" line per result.
func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetches targets concurrently through the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetchCommand(cmd, opts, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.method, "method", "X", http.MethodGet, "HTTP method")
	flags.StringVarP(&opts.data, "data", "d", "", "request body")
	flags.StringVar(&opts.proxy, "proxy", "", "proxy URL for every request")
	flags.StringArrayVar(&opts.cookies, "cookie", nil, "cookie as name=value (repeatable)")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, "header as 'Name: value' (repeatable)")
	flags.IntVar(&opts.workers, "workers", 0, "max concurrent calls started (0 = one per target)")
	flags.IntVar(&opts.tries, "tries", 0, "override pipeline.tries for these calls")
	return cmd
}

func runFetchCommand(cmd *cobra.Command, opts *fetchOptions, targets []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(appInstance)
	logger := appInstance.Logger().Named("fetch")

	template, err := opts.request()
	if err != nil {
		return err
	}
	reqs := make([]crawler.FetchRequest, 0, len(targets))
	for _, target := range targets {
		req := template
		req.URL = target
		reqs = append(reqs, req)
	}

	ctx := cmd.Context()
	p := appInstance.Pipeline()
	if opts.tries > 0 {
		cfg := p.RetryConfig()
		cfg.Tries = opts.tries
		ctx = pipeline.WithRetryConfig(ctx, cfg)
	}

	out := cmd.OutOrStdout()
	failed := 0
	d := dispatcher.New(p, opts.workers, logger)
	err = d.Run(ctx, reqs, func(res dispatcher.Result) {
		if res.Err != nil {
			failed++
			logger.Warn("fetch failed", zap.String("url", res.Request.URL), zap.Error(res.Err))
			fmt.Fprintf(out, "%s | error | %s | %s\n",
				res.Elapsed.Round(time.Millisecond), res.Request.URL, pipeline.Describe(res.Err))
			return
		}
		fmt.Fprintf(out, "%s | %d | %s\n",
			res.Response.Duration.Round(time.Millisecond), res.Response.StatusCode, res.Response.URL)
	})
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d fetches failed", failed, d.Seen())
	}
	return nil
}

func (o *fetchOptions) request() (crawler.FetchRequest, error) {
	req := crawler.FetchRequest{
		Method: strings.ToUpper(o.method),
		Proxy:  o.proxy,
	}
	if o.data != "" {
		req.Body = []byte(o.data)
	}
	for _, raw := range o.cookies {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return crawler.FetchRequest{}, fmt.Errorf("invalid cookie %q, want name=value", raw)
		}
		req.Cookies = append(req.Cookies, &http.Cookie{Name: strings.TrimSpace(name), Value: value})
	}
	for _, raw := range o.headers {
		name, value, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return crawler.FetchRequest{}, fmt.Errorf("invalid header %q, want 'Name: value'", raw)
		}
		if req.Headers == nil {
			req.Headers = http.Header{}
		}
		req.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, nil
}
