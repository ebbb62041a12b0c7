package consent

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles consent operations per session. A nil Limiter on the
// engine means unlimited.
type Limiter interface {
	// Allow reports whether the session may perform one more operation
	// now. Implementations record the attempt when they allow it.
	Allow(ctx context.Context, sessionKey string) (bool, error)
}

// WindowLimiter enforces an exact sliding window: at most maxOps
// operations per session within the window. State is in-memory and resets
// on process restart.
type WindowLimiter struct {
	mu     sync.Mutex
	maxOps int
	window time.Duration
	stamps map[string][]int64
	clock  Clock
}

// NewWindowLimiter creates a sliding-window limiter.
func NewWindowLimiter(maxOps int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		maxOps: maxOps,
		window: window,
		stamps: make(map[string][]int64),
		clock:  wallClock{},
	}
}

// WithClock overrides the clock for testing.
func (l *WindowLimiter) WithClock(clock Clock) *WindowLimiter {
	l.clock = clock
	return l
}

func (l *WindowLimiter) Allow(ctx context.Context, sessionKey string) (bool, error) {
	now := l.clock.Now().UnixMilli()
	floor := now - l.window.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.stamps[sessionKey][:0]
	for _, ts := range l.stamps[sessionKey] {
		if ts > floor {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.maxOps {
		l.stamps[sessionKey] = kept
		return false, nil
	}
	l.stamps[sessionKey] = append(kept, now)
	return true, nil
}

// BucketLimiter approximates the window with a token bucket per session
// (burst = maxOps, refill = maxOps per window). Cheaper than the exact
// window under sustained load; idle sessions are evicted in the
// background.
type BucketLimiter struct {
	mu        sync.Mutex
	sessions  map[string]*bucketEntry
	limit     rate.Limit
	burst     int
	done      chan struct{}
	closeOnce sync.Once
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBucketLimiter creates a token-bucket limiter. Call Close when done
// with it to stop the eviction goroutine.
func NewBucketLimiter(maxOps int, window time.Duration) *BucketLimiter {
	l := &BucketLimiter{
		sessions: make(map[string]*bucketEntry),
		limit:    rate.Limit(float64(maxOps) / window.Seconds()),
		burst:    maxOps,
		done:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Close stops the background eviction. The limiter remains usable; only
// idle-session cleanup ends. Safe to call more than once.
func (l *BucketLimiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *BucketLimiter) Allow(ctx context.Context, sessionKey string) (bool, error) {
	l.mu.Lock()
	entry, ok := l.sessions[sessionKey]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.sessions[sessionKey] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow(), nil
}

func (l *BucketLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, entry := range l.sessions {
				if time.Since(entry.lastSeen) > 3*time.Minute {
					delete(l.sessions, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
