// Package ratelimit puts a per-client token bucket in front of the bridge's
// HTTP surface so a chatty dashboard cannot starve the batch pipeline.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"isometry/pkg/metrics"
)

type Config struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// pool holds one token bucket per client IP and reaps entries not seen for
// MaxAge.
type pool struct {
	cfg Config

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	bucket *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time
}

func newPool(cfg Config) *pool {
	p := &pool{cfg: cfg, clients: make(map[string]*client)}
	go p.reapLoop()
	return p
}

func (p *pool) reapLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-p.cfg.MaxAge)
		p.mu.Lock()
		for ip, c := range p.clients {
			c.mu.Lock()
			stale := c.lastSeen.Before(cutoff)
			c.mu.Unlock()
			if stale {
				delete(p.clients, ip)
			}
		}
		p.mu.Unlock()
	}
}

func (p *pool) get(ip string) *client {
	p.mu.RLock()
	c, ok := p.clients[ip]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.clients[ip]; !ok {
		c = &client{
			bucket:   rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst),
			lastSeen: time.Now(),
		}
		p.clients[ip] = c
	}
	return c
}

// Middleware rejects clients that exceed their bucket with 429 and standard
// X-RateLimit headers.
func Middleware(cfg Config) gin.HandlerFunc {
	p := newPool(cfg)
	limit := strconv.Itoa(int(cfg.RPS))

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = c.RemoteIP()
		}

		cl := p.get(ip)
		cl.mu.Lock()
		cl.lastSeen = time.Now()
		cl.mu.Unlock()

		c.Header("X-RateLimit-Limit", limit)

		if !cl.bucket.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			c.Abort()
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		remaining := cl.bucket.Burst() - int(cl.bucket.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}
