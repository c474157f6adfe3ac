package middleware

import (
	"net/http"
	"sync"
	"time"

	"meshroom/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// Callers quiet for longer than this lose their bucket.
	budgetIdle = 10 * time.Minute
	// Map size at which a new caller triggers an idle sweep.
	budgetSweepAt = 1024
)

// budget pairs one caller's token bucket with the last time it was
// used.
type budget struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// budgets hands out a token bucket per caller key. Idle buckets are
// swept opportunistically so churn from one-shot callers cannot grow
// the map without bound.
type budgets struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*budget
}

func newBudgets(limit rate.Limit, burst int) *budgets {
	return &budgets{limit: limit, burst: burst, entries: make(map[string]*budget)}
}

func (b *budgets) allow(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		if len(b.entries) >= budgetSweepAt {
			b.sweep(now)
		}
		e = &budget{bucket: rate.NewLimiter(b.limit, b.burst)}
		b.entries[key] = e
	}
	e.lastSeen = now
	return e.bucket.AllowN(now, 1)
}

// sweep runs with the lock held.
func (b *budgets) sweep(now time.Time) {
	for key, e := range b.entries {
		if now.Sub(e.lastSeen) > budgetIdle {
			delete(b.entries, key)
		}
	}
}

// callerKey prefers the authenticated token subject, so operators
// behind one NAT do not share a budget. Anonymous callers fall back
// to the client IP.
func callerKey(c *gin.Context) string {
	if sub := c.GetString("subject"); sub != "" {
		return sub
	}
	return c.ClientIP()
}

// HTTPRateLimit budgets stats reads per caller. Install it after Auth
// so authenticated callers are keyed by subject.
func HTTPRateLimit(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	b := newBudgets(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)
	return func(c *gin.Context) {
		if !b.allow(callerKey(c), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "request budget exhausted",
			})
			return
		}
		c.Next()
	}
}

// WebSocketRateLimit throttles signaling connection attempts per
// client IP so one peer's reconnect storm cannot starve the relay for
// everyone else. Room identity only arrives with the Join envelope,
// which is too late to gate the upgrade.
func WebSocketRateLimit(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	b := newBudgets(
		rate.Limit(float64(perMinute)/60.0),
		cfg.RateLimiting.WebSocket.Burst,
	)
	return func(c *gin.Context) {
		if !b.allow(c.ClientIP(), time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "connection attempts throttled",
			})
			return
		}
		c.Next()
	}
}
