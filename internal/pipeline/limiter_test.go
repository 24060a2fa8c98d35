package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// highWater tracks concurrent executions per key and globally.
type highWater struct {
	mu        sync.Mutex
	cur       map[string]int
	peak      map[string]int
	global    int
	globalMax int
}

func newHighWater() *highWater {
	return &highWater{cur: map[string]int{}, peak: map[string]int{}}
}

func (h *highWater) enter(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur[key]++
	if h.cur[key] > h.peak[key] {
		h.peak[key] = h.cur[key]
	}
	h.global++
	if h.global > h.globalMax {
		h.globalMax = h.global
	}
}

func (h *highWater) exit(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur[key]--
	h.global--
}

func (h *highWater) maxPerKey() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := 0
	for _, v := range h.peak {
		out = max(out, v)
	}
	return out
}

func (h *highWater) maxGlobal() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.globalMax
}

func runRandomLoad(t *testing.T, l *Limiter, calls int, keys []string) *highWater {
	t.Helper()
	hw := newHighWater()
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		key := keys[rand.IntN(len(keys))]
		pause := time.Duration(rand.IntN(3000)) * time.Microsecond
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), key, func(context.Context) error {
				hw.enter(key)
				defer hw.exit(key)
				time.Sleep(pause)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	return hw
}

func TestLimiterPerKeyHighWater(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 2, 4} {
		limit := limit
		t.Run(fmt.Sprintf("per_key_%d", limit), func(t *testing.T) {
			t.Parallel()
			l := NewLimiter(LimiterConfig{PerKeyLimit: limit})
			hw := runRandomLoad(t, l, 120, []string{"a.example", "b.example", "c.example"})
			require.LessOrEqual(t, hw.maxPerKey(), limit)
			require.Zero(t, l.Snapshot().Running)
		})
	}
}

func TestLimiterGlobalHighWater(t *testing.T) {
	t.Parallel()

	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("host-%d.example", i)
	}
	l := NewLimiter(LimiterConfig{GlobalLimit: 3})
	hw := runRandomLoad(t, l, 150, keys)
	require.LessOrEqual(t, hw.maxGlobal(), 3)
	require.Equal(t, LimiterSnapshot{GlobalLimit: 3, ByKey: map[string]int{}}, l.Snapshot())
}

func TestLimiterGlobalTwoPerKeyOneSameKey(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{GlobalLimit: 2, PerKeyLimit: 1})
	hw := newHighWater()
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, l.Do(context.Background(), "999.md", func(context.Context) error {
				hw.enter("999.md")
				defer hw.exit("999.md")
				time.Sleep(10 * time.Millisecond)
				return nil
			}))
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, hw.maxPerKey())
	require.LessOrEqual(t, hw.maxGlobal(), 2)
}

func TestLimiterReleasesOnErrorAndPanic(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{GlobalLimit: 1, PerKeyLimit: 1})
	boom := errors.New("boom")

	err := l.Do(context.Background(), "k", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, l.Snapshot().Running)

	func() {
		defer func() {
			require.NotNil(t, recover())
		}()
		_ = l.Do(context.Background(), "k", func(context.Context) error { panic("kaboom") })
	}()
	require.Zero(t, l.Snapshot().Running)

	// The slot is usable again.
	require.NoError(t, l.Do(context.Background(), "k", func(context.Context) error { return nil }))
}

func TestLimiterCancelWhileQueuedLeavesNoTrace(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{PerKeyLimit: 1})
	hold := make(chan struct{})
	running := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.Do(context.Background(), "k", func(context.Context) error {
			close(running)
			<-hold
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan error, 1)
	ran := false
	go func() {
		queued <- l.Do(ctx, "k", func(context.Context) error {
			ran = true
			return nil
		})
	}()
	require.Eventually(t, func() bool { return l.Snapshot().Waiting == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-queued
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)

	snap := l.Snapshot()
	require.Equal(t, 1, snap.Running)
	require.Equal(t, map[string]int{"k": 1}, snap.ByKey)
	require.Zero(t, snap.Waiting)

	close(hold)
	require.NoError(t, <-done)
	require.Zero(t, l.Snapshot().Running)
}

func TestLimiterOtherKeysNotBlocked(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{PerKeyLimit: 1})
	hold := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), "slow.example", func(context.Context) error {
			close(running)
			<-hold
			return nil
		})
	}()
	<-running
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Do(ctx, "fast.example", func(context.Context) error { return nil }))
}

type recordingPacer struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPacer) Wait(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return p.err
}

type recordingObserver struct {
	mu       sync.Mutex
	admitted []string
	released []string
}

func (o *recordingObserver) Admitted(key string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.admitted = append(o.admitted, key)
}

func (o *recordingObserver) Released(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released = append(o.released, key)
}

func TestLimiterPacerAndObserver(t *testing.T) {
	t.Parallel()

	pacer := &recordingPacer{}
	obs := &recordingObserver{}
	l := NewLimiter(LimiterConfig{PerKeyLimit: 1, Pacer: pacer, Observer: obs})

	require.NoError(t, l.Do(context.Background(), "a", func(context.Context) error { return nil }))
	require.Equal(t, []string{"a"}, pacer.keys)
	require.Equal(t, []string{"a"}, obs.admitted)
	require.Equal(t, []string{"a"}, obs.released)

	pacer.err = context.DeadlineExceeded
	called := false
	err := l.Do(context.Background(), "a", func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, called)
	require.Zero(t, l.Snapshot().Running)
}

func TestHostKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"https://999.md/ru/list", "999.md"},
		{"https://M.999.md/ru/75587315", "m.999.md"},
		{"example.com:8080/path", "example.com:8080"},
		{"http://a.example:8080/", "a.example:8080"},
		{"http://a.example:9090/", "a.example:9090"},
		{"https://user:pw@999.md/", "999.md"},
		{"http://%", "unknown"},
		{"", "unknown"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, HostKey(tc.in), tc.in)
	}
}
