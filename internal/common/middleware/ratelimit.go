package middleware

import (
	"strconv"
	"sync"
	"time"
)

// FixedWindowLimiter allows up to limit requests per key per window.
type FixedWindowLimiter struct {
	mu        sync.Mutex
	clients   map[string]*window
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type window struct {
	start time.Time
	count int
}

func NewFixedWindowLimiter(limit int, every time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		clients: make(map[string]*window),
		limit:   limit,
		window:  every,
		now:     time.Now,
	}
}

// Allow reports whether key may proceed and, if not, how long until its window resets.
func (l *FixedWindowLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.clients[key]
	if !ok || now.Sub(w.start) >= l.window {
		if now.Sub(l.lastSweep) >= l.window {
			l.sweep(now)
			l.lastSweep = now
		}
		l.clients[key] = &window{start: now, count: 1}
		return true, 0
	}
	if w.count < l.limit {
		w.count++
		return true, 0
	}
	return false, l.window - now.Sub(w.start)
}

// sweep drops expired windows so idle clients do not accumulate. Allow runs
// it at most once per window.
func (l *FixedWindowLimiter) sweep(now time.Time) {
	for k, w := range l.clients {
		if now.Sub(w.start) >= l.window {
			delete(l.clients, k)
		}
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
