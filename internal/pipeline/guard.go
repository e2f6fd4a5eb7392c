package pipeline

import (
	"sync"
	"time"
)

// Guard enforces single-flight execution and sliding-window rate limits per
// session. State is process-wide, created on first touch, and intentionally
// not durable across restarts.
type Guard struct {
	mu      sync.Mutex
	active  map[string]bool
	windows map[windowKey][]time.Time
	now     func() time.Time
}

type windowKey struct {
	sessionID string
	bucket    string
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{
		active:  make(map[string]bool),
		windows: make(map[windowKey][]time.Time),
		now:     time.Now,
	}
}

// TryAcquire marks a stream active for the session and returns true, or
// returns false immediately if one is already active. Callers are never
// queued; they retry after the holder releases.
func (g *Guard) TryAcquire(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[sessionID] {
		return false
	}
	g.active[sessionID] = true
	return true
}

// Release clears the session's active flag. Safe to call repeatedly and
// after the flag was already cleared; every exit path of a run funnels here.
func (g *Guard) Release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, sessionID)
}

// Active reports whether a stream is currently in flight for the session.
func (g *Guard) Active(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[sessionID]
}

// Check records one event against the named sliding window and reports
// whether the session is within limit. When the window is full, retryAfter
// indicates how long until the oldest recorded event leaves the window, and
// nothing is recorded.
func (g *Guard) Check(sessionID, bucket string, limit int, window time.Duration) (ok bool, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := windowKey{sessionID: sessionID, bucket: bucket}
	cutoff := now.Add(-window)

	kept := g.windows[key][:0]
	for _, t := range g.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		g.windows[key] = kept
		retry := window - now.Sub(kept[0])
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}

	g.windows[key] = append(kept, now)
	return true, 0
}
