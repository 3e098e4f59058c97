// Package ratelimit provides per-client token-bucket rate limiting for the
// scoring API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fraudproof/fraudproof/internal/metrics"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the steady refill rate per client.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

// CostFunc returns how many tokens a request consumes.
type CostFunc func(c *gin.Context) int

// Decision is the outcome of one Reserve call.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of tokens left after the call.
	Remaining int
	// RetryAfter is how long until the request could succeed. Zero when
	// allowed; negative when the cost exceeds the burst and never fits.
	RetryAfter time.Duration
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg     Config
	perSec  float64
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type bucket struct {
	tokens  float64
	updated time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop to end it.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		perSec:  float64(cfg.RequestsPerMinute) / 60,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanupLoop()
	return l
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string) bool {
	return l.Reserve(key, 1).Allowed
}

// AllowN takes n tokens for key if they are all available.
func (l *Limiter) AllowN(key string, n int) bool {
	return l.Reserve(key, n).Allowed
}

// Reserve takes n tokens for key when available and reports how long the
// caller must wait otherwise. Nothing is taken from a denied request.
func (l *Limiter) Reserve(key string, n int) Decision {
	n = max(n, 1)
	burst := float64(l.cfg.BurstSize)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, updated: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.updated).Seconds()*l.perSec)
	b.updated = now

	need := float64(n)
	switch {
	case need > burst:
		return Decision{Remaining: int(b.tokens), RetryAfter: -1}
	case b.tokens >= need:
		b.tokens -= need
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}
	wait := time.Duration((need - b.tokens) / l.perSec * float64(time.Second))
	return Decision{Remaining: int(b.tokens), RetryAfter: wait}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// cleanupLoop drops buckets that have been idle long enough to refill, since
// a fresh bucket behaves the same.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	refill := time.Duration(float64(l.cfg.BurstSize) / l.perSec * float64(time.Second))

	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-refill)
	for key, b := range l.buckets {
		if b.updated.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Middleware limits requests by client IP. cost may be nil for one token
// per request.
func (l *Limiter) Middleware(cost CostFunc) gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.RequestsPerMinute)
	return func(c *gin.Context) {
		n := 1
		if cost != nil {
			n = cost(c)
		}

		d := l.Reserve(c.ClientIP(), n)
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.Allowed {
			c.Next()
			return
		}

		metrics.RateLimitedTotal.WithLabelValues(c.FullPath()).Inc()
		if d.RetryAfter < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Request cost exceeds the rate limit burst.",
			})
			return
		}
		retry := int(math.Ceil(d.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": retry,
		})
	}
}

// ScoringCost charges sample test runs for every row they score.
func ScoringCost(rowsPerRun int) CostFunc {
	return func(c *gin.Context) int {
		if c.Request.Method == http.MethodPost && c.FullPath() == "/v1/test/run" {
			return rowsPerRun
		}
		return 1
	}
}
