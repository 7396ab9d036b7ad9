package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/plat/internal/config"
	"github.com/basket/plat/internal/control"
	"github.com/basket/plat/internal/otel"
	"github.com/basket/plat/internal/pluginserver"
)

// TokenBucket refills continuously at a fixed rate up to its burst size.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	perSecond  float64
	lastRefill time.Time
	lastSeen   time.Time
}

func NewTokenBucket(requestsPerMinute, burst int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burst),
		burst:      float64(burst),
		perSecond:  float64(requestsPerMinute) / 60,
		lastRefill: now,
		lastSeen:   now,
	}
}

// Allow takes one token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens = min(tb.burst, tb.tokens+now.Sub(tb.lastRefill).Seconds()*tb.perSecond)
	tb.lastRefill = now
	tb.lastSeen = now
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

func (tb *TokenBucket) LastSeen() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastSeen
}

// RateLimiter keeps one token bucket per client host.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	metrics *otel.Metrics

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

func NewRateLimiter(cfg config.RateLimitConfig, metrics *otel.Metrics) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	return &RateLimiter{cfg: cfg, metrics: metrics, buckets: map[string]*TokenBucket{}}
}

// StartEviction drops idle buckets every interval until ctx ends.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxIdle)
			}
		}
	}()
}

// EvictStale removes buckets not used within maxIdle and returns how many
// went.
func (rl *RateLimiter) EvictStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, b := range rl.buckets {
		if b.LastSeen().Before(cutoff) {
			delete(rl.buckets, key)
			n++
		}
	}
	if n > 0 {
		slog.Debug("rate limiter eviction", "evicted", n, "remaining", len(rl.buckets))
	}
	return n
}

func (rl *RateLimiter) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Wrap rejects requests over the per-host budget with 429. Socket upgrades
// on the registration and control routes are never limited.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == control.ConnectPath || (r.URL.Path == pluginserver.RegistPath && isUpgrade(r)) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.bucket(clientHost(r)).Allow() {
			rl.metrics.RecordRateLimitReject(r.Context())
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) bucket(key string) *TokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize)
	rl.buckets[key] = b
	return b
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
