// Package ratelimit implements sliding-window admission control keyed by
// identifier, protecting the reasoning path from request floods.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/intake-voice-lab/internal/logging"
)

// idleTimeout is how long an identifier's window may sit untouched before
// the janitor garbage-collects it.
const idleTimeout = 5 * time.Minute

// Limiter tracks admitted-request timestamps per identifier. All windows
// share one mutex: pruning and admission for an identifier must be atomic so
// two concurrent calls cannot both admit a (max+1)-th request.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	touched map[string]time.Time

	// now is swappable for tests.
	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a limiter and starts its idle-window janitor. Close stops it.
func New() *Limiter {
	l := &Limiter{
		windows: make(map[string][]time.Time),
		touched: make(map[string]time.Time),
		now:     time.Now,
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweepIdle()
			}
		}
	}()
	return l
}

// Close stops the janitor and waits for it to finish.
func (l *Limiter) Close() {
	l.cancel()
	l.wg.Wait()
}

// Allow reports whether a request for identifier is admitted under the
// sliding window: timestamps older than window are pruned, then the request
// is admitted and recorded iff fewer than max remain. Unknown identifiers
// start with an empty window.
func (l *Limiter) Allow(identifier string, max int, window time.Duration) bool {
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.windows[identifier]
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	l.touched[identifier] = now
	if len(kept) >= max {
		l.windows[identifier] = kept
		return false
	}
	l.windows[identifier] = append(kept, now)
	return true
}

// sweepIdle drops windows that have not been consulted recently.
func (l *Limiter) sweepIdle() {
	cutoff := l.now().Add(-idleTimeout)
	l.mu.Lock()
	removed := 0
	for id, t := range l.touched {
		if t.Before(cutoff) {
			delete(l.windows, id)
			delete(l.touched, id)
			removed++
		}
	}
	l.mu.Unlock()
	if removed > 0 {
		logging.Debugw("rate limiter gc", "removed", removed)
	}
}
