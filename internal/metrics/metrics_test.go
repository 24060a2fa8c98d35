package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/wetraa/999md-scraper/internal/pipeline"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	require.NotNil(t, fetchInFlight)
	require.NotNil(t, fetchAdmissionWaitSeconds)
	require.NotNil(t, httpRequestsTotal)
	require.NotNil(t, httpRequestDurationSeconds)
}

func TestAdmissionRecorderTracksInFlight(t *testing.T) {
	rec := NewAdmissionRecorder()
	const key = "recorder.test"

	rec.Admitted(key, 0)
	rec.Admitted(key, 250*time.Millisecond)
	require.InDelta(t, 2.0, testutil.ToFloat64(fetchInFlight.WithLabelValues(key)), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(fetchAdmissionsTotal.WithLabelValues(key)), 1e-9)

	rec.Released(key)
	rec.Released(key)
	require.InDelta(t, 0.0, testutil.ToFloat64(fetchInFlight.WithLabelValues(key)), 1e-9)
}

func TestAdmissionRecorderWithLimiter(t *testing.T) {
	const key = "limiter.test"
	l := pipeline.NewLimiter(pipeline.LimiterConfig{PerKeyLimit: 2, Observer: NewAdmissionRecorder()})

	hold := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), key, func(context.Context) error {
				<-hold
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(fetchInFlight.WithLabelValues(key)) == 2
	}, time.Second, 5*time.Millisecond)

	close(hold)
	wg.Wait()
	require.InDelta(t, 0.0, testutil.ToFloat64(fetchInFlight.WithLabelValues(key)), 1e-9)
}

func TestObserveRateLimitDelay(t *testing.T) {
	ObserveRateLimitDelay("delay.test", 2*time.Second)
	require.Equal(t, 1, testutil.CollectAndCount(fetchRateLimitDelaySeconds, "scraper_rate_limit_delay_seconds"))
}
