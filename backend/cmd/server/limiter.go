package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"biochat/backend/internal/observability"
	"biochat/backend/internal/state"
)

const tooManyRequestsText = "Too many requests"

// callerLimiter admits requests per caller. Over the limit requests are
// rejected, never queued.
type callerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiter(requestsPerMinute, burst int, idleTTL time.Duration) *callerLimiter {
	return &callerLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(float64(requestsPerMinute) / 60),
		burst:    burst,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Allow reports whether caller may start a request now.
func (l *callerLimiter) Allow(caller string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[caller]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[caller] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// evictIdle drops limiters not used for idleTTL and returns how many were removed.
func (l *callerLimiter) evictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for caller, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, caller)
			removed++
		}
	}
	return removed
}

// run evicts idle limiters every interval until stop is closed.
func (l *callerLimiter) run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-stop:
			return
		}
	}
}

// reject writes the over-limit envelope.
func reject(c *gin.Context) {
	observability.Get().RateLimitedTotal.Inc()
	c.AbortWithStatusJSON(http.StatusTooManyRequests, state.Envelope{Text: tooManyRequestsText})
}

// rateLimit admits requests keyed by the :user path parameter, else the
// client IP.
func rateLimit(l *callerLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.Param("user")
		if caller == "" {
			caller = "ip:" + c.ClientIP()
		}
		if !l.Allow(caller) {
			reject(c)
			return
		}
		c.Next()
	}
}
