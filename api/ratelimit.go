package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sessionLimiter throttles pairing requests per session id
type sessionLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

// newSessionLimiter returns nil when perSecond is not positive, which
// disables limiting
func newSessionLimiter(perSecond float64, burst int) *sessionLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &sessionLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

func (l *sessionLimiter) Allow(sessionID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdle {
		for id, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(l.entries, id)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.entries[sessionID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[sessionID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
