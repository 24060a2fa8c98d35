// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/wetraa/999md-scraper/internal/clock/system"
	"github.com/wetraa/999md-scraper/internal/config"
	"github.com/wetraa/999md-scraper/internal/crawler"
	collyfetcher "github.com/wetraa/999md-scraper/internal/fetcher/colly"
	"github.com/wetraa/999md-scraper/internal/fetcher/lastfetch"
	"github.com/wetraa/999md-scraper/internal/id/uuid"
	"github.com/wetraa/999md-scraper/internal/metrics"
	"github.com/wetraa/999md-scraper/internal/pipeline"
	"github.com/wetraa/999md-scraper/internal/policy/ratelimit"
	"github.com/wetraa/999md-scraper/internal/progress"
	"github.com/wetraa/999md-scraper/internal/progress/sinks"
	"github.com/wetraa/999md-scraper/internal/telemetry"
)

// Version is reported as the service version on traces.
var Version = "dev"

// App holds the shared, long-lived services for the application. It is
// built once at startup and handed to the commands that need it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	pipeline *pipeline.Pipeline
	hub      *progress.Hub
	tracer   *sdktrace.TracerProvider
	pacer    *ratelimit.Limiter
}

// Option customizes service construction.
type Option func(*options)

type options struct {
	base       crawler.Fetcher
	registerer prometheus.Registerer
	onError    func(message string, attempt int)
}

// WithBaseFetcher replaces the colly fetcher at the bottom of the pipeline.
func WithBaseFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.base = f }
}

// WithRegisterer sets where attempt collectors are registered. Defaults to
// the global Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithOnError installs the retry observer. By default failures that earn
// another attempt are logged at warn level.
func WithOnError(fn func(message string, attempt int)) Option {
	return func(o *options) { o.onError = fn }
}

// New creates and initializes the App from cfg. It fails fast if any service
// cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	logger.Info("initializing application services")
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Exporter:    cfg.Telemetry.Exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init attempt metrics: %w", err), tp.Shutdown(ctx))
	}
	attemptSinks := []progress.Sink{promSink, sinks.NewTraceSink(tp)}
	if cfg.Progress.LogAttempts {
		attemptSinks = append(attemptSinks, sinks.NewLogSink(logger.Named("attempts")))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         logger.Named("progress"),
	}, attemptSinks...)

	a := &App{
		cfg:    cfg,
		logger: logger,
		hub:    hub,
		tracer: tp,
		pacer: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Pipeline.PerKeyRPS,
			DefaultBurst: cfg.Pipeline.PerKeyBurst,
		}),
	}

	base := o.base
	if base == nil {
		base = collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.HTTP.UserAgent,
			Timeout:      cfg.HTTP.Timeout,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		})
	}
	base, err = lastfetch.New(base, cfg.Debug.LastFetchPath, logger.Named("lastfetch"))
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init last fetch dump: %w", err)
	}

	pcfg := cfg.PipelineConfig()
	pcfg.Sink = hub
	pcfg.Observer = metrics.NewAdmissionRecorder()
	if a.pacer.Enabled() {
		pcfg.Pacer = a.pacer
	}
	pcfg.Retry.OnError = o.onError
	if pcfg.Retry.OnError == nil {
		retryLog := logger.Named("retry")
		pcfg.Retry.OnError = func(message string, attempt int) {
			retryLog.Warn(message, zap.Int("attempt", attempt))
		}
	}

	a.pipeline, err = pipeline.New(base, pcfg,
		pipeline.WithClock(system.New()),
		pipeline.WithIDGenerator(uuid.New()),
		pipeline.WithLogger(logger.Named("pipeline")),
	)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	logger.Info("application services initialized",
		zap.Int("global_limit", cfg.Pipeline.GlobalLimit),
		zap.Int("per_key_limit", cfg.Pipeline.PerKeyLimit),
		zap.Int("tries", cfg.Pipeline.Tries),
		zap.Bool("pacing", a.pacer.Enabled()),
	)
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the fetch pipeline every caller goes through.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Close flushes attempt events and trace spans. Call it once the pipeline
// has no more calls in flight.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("shutting down application services")
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("error closing progress hub", zap.Error(err))
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("error shutting down tracer provider", zap.Error(err))
	}
	// Sync fails on terminals; nothing useful to do with the error.
	_ = a.logger.Sync()
}
