package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wetraa/999md-scraper/internal/crawler"
)

// Local names for the fetch contract.
type (
	FetchRequest  = crawler.FetchRequest
	FetchResponse = crawler.FetchResponse
	FetchFunc     = crawler.FetchFunc
)

// Middleware wraps a FetchFunc with one cross-cutting behavior.
type Middleware interface {
	Wrap(next FetchFunc) FetchFunc
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(next FetchFunc) FetchFunc

// Wrap calls f.
func (f MiddlewareFunc) Wrap(next FetchFunc) FetchFunc { return f(next) }

// Chain applies mws around base so that mws[0] is outermost.
func Chain(base FetchFunc, mws ...Middleware) FetchFunc {
	fn := base
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i].Wrap(fn)
	}
	return fn
}

// Config is the immutable description of a pipeline.
type Config struct {
	GlobalLimit int
	PerKeyLimit int
	Retry       RetryConfig
	// Sink receives one AttemptRecord per attempt. Optional.
	Sink Sink
	// Validator inspects every response; a non-nil error becomes a
	// ValidationError and is retried under the default classification.
	Validator func(FetchResponse) error
	Pacer     Pacer
	Observer  AdmissionObserver
	// KeyFunc derives the grouping key. Default: lower-cased host.
	KeyFunc func(FetchRequest) string
}

// Validate rejects impossible values.
func (c Config) Validate() error {
	if c.GlobalLimit < 0 {
		return fmt.Errorf("%w: global limit must be >= 0", ErrInvalidConfig)
	}
	if c.PerKeyLimit < 0 {
		return fmt.Errorf("%w: per-key limit must be >= 0", ErrInvalidConfig)
	}
	if c.Retry.Tries < 0 {
		return fmt.Errorf("%w: tries must be >= 0", ErrInvalidConfig)
	}
	if b, ok := c.Retry.Backoff.(Constant); ok && b < 0 {
		return fmt.Errorf("%w: backoff must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Option customizes pipeline construction.
type Option func(*options)

type options struct {
	limiter *Limiter
	clock   crawler.Clock
	ids     crawler.IDGenerator
	logger  *zap.Logger
}

// WithLimiter shares an existing Limiter, for instance between pipelines that
// must respect one global budget. GlobalLimit, PerKeyLimit, Pacer and
// Observer in Config are then ignored.
func WithLimiter(l *Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithClock sets the clock used to timestamp attempts.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator sets the source of call IDs.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Pipeline is a Fetcher that runs the base fetch under admission control,
// retry and per-attempt instrumentation, in that order from the outside in.
type Pipeline struct {
	limiter *Limiter
	retrier *Retrier
	fetch   FetchFunc
	ids     crawler.IDGenerator
	logger  *zap.Logger
}

// New assembles the pipeline around base:
//
//	Limiter -> Retrier -> Instrumenter -> base
//
// The limiter is outermost so a call blocked on admission spends no attempts;
// the retrier sits inside it so every attempt of a call runs under the one
// admission the call holds.
func New(base crawler.Fetcher, cfg Config, opts ...Option) (*Pipeline, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: base fetcher is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = requestHostKey
	}
	limiter := o.limiter
	if limiter == nil {
		limiter = NewLimiter(LimiterConfig{
			GlobalLimit: cfg.GlobalLimit,
			PerKeyLimit: cfg.PerKeyLimit,
			Pacer:       cfg.Pacer,
			Observer:    cfg.Observer,
		})
	}

	baseFn := FetchFunc(base.Fetch)
	if cfg.Validator != nil {
		baseFn = validated(baseFn, cfg.Validator)
	}

	p := &Pipeline{
		limiter: limiter,
		retrier: NewRetrier(cfg.Retry),
		ids:     o.ids,
		logger:  o.logger,
	}
	p.fetch = Chain(baseFn,
		admissionMiddleware{limiter: limiter, keyFunc: keyFunc},
		p.retrier,
		NewInstrumenter(cfg.Sink, o.clock, keyFunc, o.logger.Named("attempt")),
	)
	return p, nil
}

// Fetch implements crawler.Fetcher.
func (p *Pipeline) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	return p.fetch(withCallID(ctx, p.newCallID()), req)
}

// Limiter exposes the admission controller, mainly for snapshots.
func (p *Pipeline) Limiter() *Limiter {
	return p.limiter
}

// RetryConfig returns the pipeline's default retry policy.
func (p *Pipeline) RetryConfig() RetryConfig {
	return p.retrier.Config()
}

func (p *Pipeline) newCallID() string {
	if p.ids == nil {
		return ""
	}
	id, err := p.ids.NewID()
	if err != nil {
		p.logger.Warn("call id generation failed", zap.Error(err))
		return ""
	}
	return id
}

type admissionMiddleware struct {
	limiter *Limiter
	keyFunc func(FetchRequest) string
}

func (m admissionMiddleware) Wrap(next FetchFunc) FetchFunc {
	return func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
		var resp FetchResponse
		err := m.limiter.Do(ctx, m.keyFunc(req), func(ctx context.Context) error {
			var err error
			resp, err = next(ctx, req)
			return err
		})
		return resp, err
	}
}

func validated(next FetchFunc, check func(FetchResponse) error) FetchFunc {
	return func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
		resp, err := next(ctx, req)
		if err != nil {
			return resp, err
		}
		if verr := check(resp); verr != nil {
			if _, ok := KindOf(verr); ok {
				return resp, verr
			}
			return resp, &ValidationError{URL: req.URL, Err: verr}
		}
		return resp, nil
	}
}

// ExpectStatus returns a validator that rejects the listed status codes,
// typically 429 and 5xx responses worth another attempt.
func ExpectStatus(reject ...int) func(FetchResponse) error {
	set := make(map[int]struct{}, len(reject))
	for _, code := range reject {
		set[code] = struct{}{}
	}
	return func(resp FetchResponse) error {
		if _, bad := set[resp.StatusCode]; bad {
			return &ValidationError{URL: resp.URL, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
		}
		return nil
	}
}

func requestHostKey(req FetchRequest) string {
	return HostKey(req.URL)
}
