package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wetraa/999md-scraper/internal/crawler"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("call-%d", s.n.Add(1)), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type recordingSink struct {
	mu      sync.Mutex
	records []AttemptRecord
}

func (s *recordingSink) Record(_ context.Context, rec AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) all() []AttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AttemptRecord(nil), s.records...)
}

// scriptedFetcher returns errs[i] for the i-th call and 200 OK afterwards.
func scriptedFetcher(errs ...error) (crawler.FetchFunc, *atomic.Int32) {
	calls := &atomic.Int32{}
	return func(_ context.Context, req FetchRequest) (FetchResponse, error) {
		n := int(calls.Add(1)) - 1
		if n < len(errs) && errs[n] != nil {
			return FetchResponse{}, errs[n]
		}
		return FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	}, calls
}

func TestPipelineFailTwiceThenSucceed(t *testing.T) {
	t.Parallel()

	base, calls := scriptedFetcher(transient(1), transient(2))
	sink := &recordingSink{}
	p, err := New(base, Config{
		Retry: RetryConfig{Tries: 3, Backoff: Constant(0)},
		Sink:  sink,
	}, WithIDGenerator(&seqIDs{}))
	require.NoError(t, err)

	resp, err := p.Fetch(context.Background(), FetchRequest{URL: "https://999.md/ru/list"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, calls.Load())

	recs := sink.all()
	require.Len(t, recs, 3)
	for i, rec := range recs {
		require.Equal(t, "call-1", rec.CallID)
		require.Equal(t, i+1, rec.Attempt)
		require.Equal(t, "999.md", rec.Key)
		require.Equal(t, http.MethodGet, rec.Method)
		require.False(t, rec.EndedAt.Before(rec.StartedAt))
	}
	require.Equal(t, OutcomeError, recs[0].Outcome)
	require.Equal(t, KindNetwork, recs[0].ErrorKind)
	require.Equal(t, OutcomeSuccess, recs[2].Outcome)
	require.Equal(t, 2, recs[2].Bytes)
	require.Empty(t, recs[2].ErrorKind)
}

func TestPipelineAttemptsOfOneCallStayTogether(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	failedOnce := map[string]bool{}
	base := crawler.FetchFunc(func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
		mu.Lock()
		id := callIDFrom(ctx)
		first := !failedOnce[id]
		failedOnce[id] = true
		mu.Unlock()
		if first {
			return FetchResponse{}, transient(0)
		}
		return FetchResponse{URL: req.URL, StatusCode: http.StatusOK}, nil
	})
	sink := &recordingSink{}
	p, err := New(base, Config{
		PerKeyLimit: 1,
		Retry:       RetryConfig{Tries: 2, Backoff: Constant(5 * time.Millisecond)},
		Sink:        sink,
	}, WithIDGenerator(&seqIDs{}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Fetch(context.Background(), FetchRequest{URL: "https://999.md/ru/75587315"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	recs := sink.all()
	require.Len(t, recs, 8)
	// With one admission per key, a call's attempts are never interleaved
	// with another call's.
	for i := 0; i < len(recs); i += 2 {
		require.Equal(t, recs[i].CallID, recs[i+1].CallID)
		require.Equal(t, 1, recs[i].Attempt)
		require.Equal(t, 2, recs[i+1].Attempt)
	}
}

func TestPipelineBlockedAdmissionSpendsNoAttempts(t *testing.T) {
	t.Parallel()

	limiter := NewLimiter(LimiterConfig{PerKeyLimit: 1})
	hold := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = limiter.Do(context.Background(), "999.md", func(context.Context) error {
			close(running)
			<-hold
			return nil
		})
	}()
	<-running
	defer close(hold)

	base, calls := scriptedFetcher()
	sink := &recordingSink{}
	p, err := New(base, Config{Sink: sink}, WithLimiter(limiter))
	require.NoError(t, err)
	require.Same(t, limiter, p.Limiter())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Fetch(ctx, FetchRequest{URL: "https://999.md/ru/list"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, calls.Load())
	require.Empty(t, sink.all())
}

func TestPipelineSinkFailuresDoNotAffectResult(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	for name, sink := range map[string]Sink{
		"error": SinkFunc(func(context.Context, AttemptRecord) error { return errors.New("disk full") }),
		"panic": SinkFunc(func(context.Context, AttemptRecord) error { panic("sink exploded") }),
	} {
		base, _ := scriptedFetcher(transient(1))
		p, err := New(base, Config{
			Retry: RetryConfig{Tries: 2, Backoff: Constant(0)},
			Sink:  sink,
		}, WithLogger(zap.New(core)))
		require.NoError(t, err, name)

		resp, err := p.Fetch(context.Background(), FetchRequest{URL: "https://999.md"})
		require.NoError(t, err, name)
		require.Equal(t, http.StatusOK, resp.StatusCode, name)
	}
	require.Equal(t, 2, logs.FilterMessage("attempt sink record failed").Len())
	require.Equal(t, 2, logs.FilterMessage("attempt sink panicked").Len())
}

func TestPipelineValidatorRetriesRejectedStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := crawler.FetchFunc(func(_ context.Context, req FetchRequest) (FetchResponse, error) {
		if calls.Add(1) == 1 {
			return FetchResponse{URL: req.URL, StatusCode: http.StatusServiceUnavailable}, nil
		}
		return FetchResponse{URL: req.URL, StatusCode: http.StatusOK}, nil
	})
	sink := &recordingSink{}
	p, err := New(base, Config{
		Retry:     RetryConfig{Tries: 3, Backoff: Constant(0)},
		Sink:      sink,
		Validator: ExpectStatus(http.StatusTooManyRequests, http.StatusServiceUnavailable),
	})
	require.NoError(t, err)

	resp, err := p.Fetch(context.Background(), FetchRequest{URL: "https://999.md"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	recs := sink.all()
	require.Len(t, recs, 2)
	require.Equal(t, KindValidation, recs[0].ErrorKind)
	require.Equal(t, http.StatusServiceUnavailable, recs[0].StatusCode)
}

func TestPipelineValidatorWrapsPlainErrors(t *testing.T) {
	t.Parallel()

	errNoPhones := errors.New("no phone numbers on page")
	base, calls := scriptedFetcher()
	p, err := New(base, Config{
		Retry:     RetryConfig{Tries: 2, Backoff: Constant(0)},
		Validator: func(FetchResponse) error { return errNoPhones },
	})
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), FetchRequest{URL: "https://999.md/ru/1"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, errNoPhones)
	require.Equal(t, "https://999.md/ru/1", verr.URL)
	require.EqualValues(t, 2, calls.Load())
}

func TestPipelinePerCallRetryOverride(t *testing.T) {
	t.Parallel()

	base, calls := scriptedFetcher(transient(1), transient(2), transient(3))
	p, err := New(base, Config{Retry: RetryConfig{Tries: 5, Backoff: Constant(0)}})
	require.NoError(t, err)
	require.Equal(t, 5, p.RetryConfig().Tries)

	ctx := WithRetryConfig(context.Background(), RetryConfig{Tries: 1})
	_, err = p.Fetch(ctx, FetchRequest{URL: "https://999.md"})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestPipelineFatalErrorPropagatesAfterOneAttempt(t *testing.T) {
	t.Parallel()

	fatal := errors.New("unsupported protocol scheme")
	base, calls := scriptedFetcher(fatal)
	sink := &recordingSink{}
	p, err := New(base, Config{Sink: sink, Retry: RetryConfig{Backoff: Constant(time.Hour)}})
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), FetchRequest{URL: "ftp://999.md"})
	require.ErrorIs(t, err, fatal)
	require.EqualValues(t, 1, calls.Load())
	require.Len(t, sink.all(), 1)
	require.Zero(t, p.Limiter().Snapshot().Running)
}

func TestPipelineCanceledAttemptOutcome(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	base := crawler.FetchFunc(func(ctx context.Context, _ FetchRequest) (FetchResponse, error) {
		cancel()
		<-ctx.Done()
		return FetchResponse{}, ctx.Err()
	})
	sink := &recordingSink{}
	p, err := New(base, Config{Sink: sink})
	require.NoError(t, err)

	_, err = p.Fetch(ctx, FetchRequest{URL: "https://999.md"})
	require.ErrorIs(t, err, context.Canceled)
	recs := sink.all()
	require.Len(t, recs, 1)
	require.Equal(t, OutcomeCanceled, recs[0].Outcome)
}

func TestPipelineDeadlineDuringBackoffReleasesAdmission(t *testing.T) {
	t.Parallel()

	base, calls := scriptedFetcher(transient(1), transient(2))
	p, err := New(base, Config{
		PerKeyLimit: 1,
		Retry:       RetryConfig{Tries: 3, Backoff: Constant(time.Second)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Fetch(ctx, FetchRequest{URL: "https://999.md/ru/list"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	var netErr *TransientNetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, "https://999.md/1", netErr.URL)
	require.EqualValues(t, 1, calls.Load())

	snap := p.Limiter().Snapshot()
	require.Zero(t, snap.Running)
	require.Zero(t, snap.Waiting)
	require.Empty(t, snap.ByKey)

	// The key is free for the next call.
	next := WithRetryConfig(context.Background(), RetryConfig{Tries: 2, Backoff: Constant(0)})
	resp, err := p.Fetch(next, FetchRequest{URL: "https://999.md/ru/list"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, calls.Load())
}

func TestPipelineCallIDFailureIsLogged(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	base, _ := scriptedFetcher()
	sink := &recordingSink{}
	p, err := New(base, Config{Sink: sink}, WithIDGenerator(failingIDs{}), WithLogger(zap.New(core)))
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), FetchRequest{URL: "https://999.md"})
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("call id generation failed").Len())
	require.Empty(t, sink.all()[0].CallID)
}

func TestPipelineCustomKeyFunc(t *testing.T) {
	t.Parallel()

	base, _ := scriptedFetcher()
	sink := &recordingSink{}
	p, err := New(base, Config{
		Sink:    sink,
		KeyFunc: func(req FetchRequest) string { return req.Proxy },
	})
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), FetchRequest{URL: "https://999.md", Proxy: "http://10.0.0.1:3128"})
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.1:3128", sink.all()[0].Key)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	base, _ := scriptedFetcher()
	_, err := New(nil, Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)

	for name, cfg := range map[string]Config{
		"global":  {GlobalLimit: -1},
		"per key": {PerKeyLimit: -2},
		"tries":   {Retry: RetryConfig{Tries: -1}},
		"backoff": {Retry: RetryConfig{Backoff: Constant(-time.Second)}},
	} {
		_, err := New(base, cfg)
		require.ErrorIs(t, err, ErrInvalidConfig, name)
	}
	require.NoError(t, Config{}.Validate())
}

func TestChainOrder(t *testing.T) {
	t.Parallel()

	var order []string
	tag := func(name string) Middleware {
		return MiddlewareFunc(func(next FetchFunc) FetchFunc {
			return func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		})
	}
	base, _ := scriptedFetcher()
	fn := Chain(base, tag("outer"), tag("middle"), tag("inner"))
	_, err := fn(context.Background(), FetchRequest{URL: "https://999.md"})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "middle", "inner"}, order)
}
