package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wetraa/999md-scraper/internal/crawler"
)

// Outcome summarizes how one attempt ended.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeError    Outcome = "error"
	OutcomeCanceled Outcome = "canceled"
)

// AttemptRecord describes a single execution of the base fetch.
type AttemptRecord struct {
	CallID     string
	Attempt    int
	Key        string
	Target     string
	Method     string
	StartedAt  time.Time
	EndedAt    time.Time
	Outcome    Outcome
	StatusCode int
	FinalURL   string
	Bytes      int
	// ErrorKind is empty for successes and unclassified errors.
	ErrorKind ErrorKind
	Err       error
}

// Duration returns the elapsed time of the attempt.
func (r AttemptRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Sink receives one record per attempt. Errors are logged and otherwise
// ignored; they never change a fetch result.
type Sink interface {
	Record(ctx context.Context, rec AttemptRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec AttemptRecord) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, rec AttemptRecord) error {
	return f(ctx, rec)
}

// Instrumenter is the observability Middleware. It wraps each attempt.
type Instrumenter struct {
	sink    Sink
	clock   crawler.Clock
	keyFunc func(FetchRequest) string
	logger  *zap.Logger
}

// NewInstrumenter builds an Instrumenter. A nil sink still logs attempts at
// debug level.
func NewInstrumenter(sink Sink, clock crawler.Clock, keyFunc func(FetchRequest) string, logger *zap.Logger) *Instrumenter {
	if clock == nil {
		clock = monotonicClock{}
	}
	if keyFunc == nil {
		keyFunc = requestHostKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumenter{sink: sink, clock: clock, keyFunc: keyFunc, logger: logger}
}

// Wrap implements Middleware.
func (i *Instrumenter) Wrap(next FetchFunc) FetchFunc {
	return func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
		rec := AttemptRecord{
			CallID:    callIDFrom(ctx),
			Attempt:   attemptFrom(ctx),
			Key:       i.keyFunc(req),
			Target:    req.URL,
			Method:    req.MethodOrDefault(),
			StartedAt: i.clock.Now(),
		}
		i.logger.Debug("fetch attempt started",
			zap.String("call_id", rec.CallID),
			zap.Int("attempt", rec.Attempt),
			zap.String("url", rec.Target),
		)

		resp, err := next(ctx, req)

		rec.EndedAt = i.clock.Now()
		rec.StatusCode = resp.StatusCode
		rec.FinalURL = resp.URL
		rec.Bytes = len(resp.Body)
		rec.Err = err
		switch {
		case err == nil:
			rec.Outcome = OutcomeSuccess
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			rec.Outcome = OutcomeCanceled
		default:
			rec.Outcome = OutcomeError
		}
		if kind, ok := KindOf(err); ok {
			rec.ErrorKind = kind
		}
		i.record(ctx, rec)
		return resp, err
	}
}

func (i *Instrumenter) record(ctx context.Context, rec AttemptRecord) {
	fields := []zap.Field{
		zap.String("call_id", rec.CallID),
		zap.Int("attempt", rec.Attempt),
		zap.Duration("duration", rec.Duration()),
		zap.Int("status", rec.StatusCode),
		zap.String("url", rec.FinalURL),
	}
	if rec.Err != nil {
		fields = append(fields, zap.Error(rec.Err))
	}
	i.logger.Debug("fetch attempt finished", fields...)

	if i.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			i.logger.Warn("attempt sink panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := i.sink.Record(context.WithoutCancel(ctx), rec); err != nil {
		i.logger.Warn("attempt sink record failed", zap.Error(err))
	}
}

type monotonicClock struct{}

func (monotonicClock) Now() time.Time { return time.Now() }

type (
	callIDKey  struct{}
	attemptKey struct{}
)

func withCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

func callIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// attemptFrom defaults to 1 so an Instrumenter used without a Retrier still
// numbers its single attempt.
func attemptFrom(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 1
}
