package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Defaults applied to a zero RetryConfig.
const (
	DefaultTries   = 3
	DefaultBackoff = Constant(3 * time.Second)
)

// Backoff yields the wait after a failed attempt. attempt is the 0-based
// index of the attempt that just failed, so the first wait is Delay(0).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same duration after every failure.
type Constant time.Duration

// Delay implements Backoff.
func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// BackoffFunc computes the wait from the failed attempt's 0-based index.
type BackoffFunc func(attempt int) time.Duration

// Delay implements Backoff.
func (f BackoffFunc) Delay(attempt int) time.Duration { return f(attempt) }

// Exponential doubles Base per attempt up to Max and spreads the result over
// [d/2, d) to avoid synchronized retries.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements Backoff.
func (e Exponential) Delay(attempt int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	delay := float64(e.Base) * math.Pow(2, float64(attempt))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// RetryConfig governs how many attempts a call gets and when to re-attempt.
type RetryConfig struct {
	// Tries is the total number of attempts, including the first. Default 3.
	Tries int
	// Retryable decides which failures earn another attempt. An empty
	// Classifier, including NewClassifier() with no kinds, means
	// DefaultClassifier; set Tries to 1 to turn retries off.
	Retryable Classifier
	// Backoff defaults to Constant(3s). Constant(0) disables waiting.
	Backoff Backoff
	// OnError, when set, is called before each retry wait with a readable
	// description and the 1-based number of the attempt that failed.
	OnError func(message string, attempt int)
}

// DefaultRetryConfig returns three tries, 3s constant backoff and the
// default retryable set.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{}.withDefaults()
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Tries <= 0 {
		c.Tries = DefaultTries
	}
	if c.Retryable.IsZero() {
		c.Retryable = DefaultClassifier()
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	return c
}

// Retry runs op until it succeeds, fails with a non-retryable error, or
// cfg.Tries attempts have been made. The error of the last attempt is
// returned. attempt passed to op is 1-based.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context, attempt int) error) error {
	cfg = cfg.withDefaults()
	var lastErr error
	for i := 0; i < cfg.Tries; i++ {
		err := op(ctx, i+1)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !cfg.Retryable.Retryable(err) {
			return err
		}
		if i+1 == cfg.Tries {
			break
		}
		if cfg.OnError != nil {
			cfg.OnError(FailureMessage(err, i+1, cfg.Tries), i+1)
		}
		if err := sleepWithContext(ctx, cfg.Backoff.Delay(i)); err != nil {
			return fmt.Errorf("retry backoff: %w (last attempt: %w)", err, lastErr)
		}
	}
	return lastErr
}

// FailureMessage formats a retry notice such as
// "Failed with TransientNetworkError: ..., retrying 1/3...".
func FailureMessage(err error, attempt, tries int) string {
	return fmt.Sprintf("Failed with %s, retrying %d/%d...", Describe(err), attempt, tries)
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier is the retry Middleware. A call may replace the whole policy with
// WithRetryConfig.
type Retrier struct {
	cfg RetryConfig
}

// NewRetrier builds a Retrier; zero fields of cfg take their defaults.
func NewRetrier(cfg RetryConfig) *Retrier {
	return &Retrier{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (r *Retrier) Config() RetryConfig {
	return r.cfg
}

// Wrap implements Middleware.
func (r *Retrier) Wrap(next FetchFunc) FetchFunc {
	return func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
		cfg := r.cfg
		if override, ok := retryConfigFrom(ctx); ok {
			cfg = override
		}
		var resp FetchResponse
		err := Retry(ctx, cfg, func(ctx context.Context, attempt int) error {
			var err error
			resp, err = next(withAttempt(ctx, attempt), req)
			return err
		})
		return resp, err
	}
}

type retryConfigKey struct{}

// WithRetryConfig overrides the pipeline's retry policy for calls made with
// the returned context.
func WithRetryConfig(ctx context.Context, cfg RetryConfig) context.Context {
	return context.WithValue(ctx, retryConfigKey{}, cfg.withDefaults())
}

func retryConfigFrom(ctx context.Context) (RetryConfig, bool) {
	cfg, ok := ctx.Value(retryConfigKey{}).(RetryConfig)
	return cfg, ok
}
