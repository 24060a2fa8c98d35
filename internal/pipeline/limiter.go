package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Pacer delays admission for a key, e.g. to hold a request rate.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

// AdmissionObserver is told about every admission and release.
type AdmissionObserver interface {
	Admitted(key string, waited time.Duration)
	Released(key string)
}

// LimiterConfig bounds concurrency. A limit <= 0 disables that bound.
type LimiterConfig struct {
	GlobalLimit int
	PerKeyLimit int
	Pacer       Pacer
	Observer    AdmissionObserver
}

// admission is the registry handle of one running operation.
type admission struct {
	key string
}

// Limiter gates how many operations run at once, globally and per key. It
// owns the admission registry; nothing else reads or writes it.
type Limiter struct {
	globalLimit int
	perKeyLimit int
	pacer       Pacer
	observer    AdmissionObserver

	mu      sync.Mutex
	running map[*admission]struct{}
	byKey   map[string]map[*admission]struct{}
	// wake is closed and replaced on every release while waiters exist.
	wake    chan struct{}
	waiters int
}

// NewLimiter builds a Limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	return &Limiter{
		globalLimit: max(cfg.GlobalLimit, 0),
		perKeyLimit: max(cfg.PerKeyLimit, 0),
		pacer:       cfg.Pacer,
		observer:    cfg.Observer,
		running:     make(map[*admission]struct{}),
		byKey:       make(map[string]map[*admission]struct{}),
		wake:        make(chan struct{}),
	}
}

// Do waits until key has capacity, runs op, and releases the slot however op
// returns. The only error Do adds is ctx's, while still queued; op's errors
// are returned unchanged.
func (l *Limiter) Do(ctx context.Context, key string, op func(context.Context) error) error {
	h, err := l.admit(ctx, key)
	if err != nil {
		return err
	}
	defer l.release(h)
	return op(ctx)
}

func (l *Limiter) admit(ctx context.Context, key string) (*admission, error) {
	if l.pacer != nil {
		if err := l.pacer.Wait(ctx, key); err != nil {
			return nil, fmt.Errorf("pace %s: %w", key, err)
		}
	}
	start := time.Now()
	for {
		l.mu.Lock()
		if l.hasCapacityLocked(key) {
			h := l.registerLocked(key)
			l.mu.Unlock()
			if l.observer != nil {
				l.observer.Admitted(key, time.Since(start))
			}
			return h, nil
		}
		wake := l.wake
		l.waiters++
		l.mu.Unlock()

		select {
		case <-wake:
			l.mu.Lock()
			l.waiters--
			l.mu.Unlock()
		case <-ctx.Done():
			l.mu.Lock()
			l.waiters--
			l.mu.Unlock()
			return nil, fmt.Errorf("admission for %s: %w", key, ctx.Err())
		}
	}
}

func (l *Limiter) hasCapacityLocked(key string) bool {
	if l.globalLimit > 0 && len(l.running) >= l.globalLimit {
		return false
	}
	if l.perKeyLimit > 0 && len(l.byKey[key]) >= l.perKeyLimit {
		return false
	}
	return true
}

func (l *Limiter) registerLocked(key string) *admission {
	h := &admission{key: key}
	l.running[h] = struct{}{}
	set, ok := l.byKey[key]
	if !ok {
		set = make(map[*admission]struct{})
		l.byKey[key] = set
	}
	set[h] = struct{}{}
	return h
}

func (l *Limiter) release(h *admission) {
	l.mu.Lock()
	delete(l.running, h)
	if set, ok := l.byKey[h.key]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(l.byKey, h.key)
		}
	}
	// Every waiter re-checks both limits, so waking all of them is safe.
	if l.waiters > 0 {
		close(l.wake)
		l.wake = make(chan struct{})
	}
	l.mu.Unlock()
	if l.observer != nil {
		l.observer.Released(h.key)
	}
}

// LimiterSnapshot is a point-in-time view of the admission registry.
type LimiterSnapshot struct {
	GlobalLimit int            `json:"global_limit"`
	PerKeyLimit int            `json:"per_key_limit"`
	Running     int            `json:"running"`
	Waiting     int            `json:"waiting"`
	ByKey       map[string]int `json:"by_key"`
}

// Snapshot reports how many operations are running, in total and per key.
func (l *Limiter) Snapshot() LimiterSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	byKey := make(map[string]int, len(l.byKey))
	for k, set := range l.byKey {
		byKey[k] = len(set)
	}
	return LimiterSnapshot{
		GlobalLimit: l.globalLimit,
		PerKeyLimit: l.perKeyLimit,
		Running:     len(l.running),
		Waiting:     l.waiters,
		ByKey:       byKey,
	}
}

// HostKey groups requests by lower-cased host, port included, so two ports
// on one machine are separate keys. Unparsable targets share the "unknown"
// key.
func HostKey(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Host)
}
