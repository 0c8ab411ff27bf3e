package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/portfolio-authz/pkg/contextkeys"
	"github.com/platinummonkey/portfolio-authz/pkg/httputil"
	"github.com/platinummonkey/portfolio-authz/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns per-user defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// Result is the outcome of one limiter check
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter decides whether the request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// LocalLimiter implements rate limiting using a token bucket per key
type LocalLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewLocalLimiter creates an in-process limiter
func NewLocalLimiter(config *RateLimitConfig) *LocalLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &LocalLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (rl *LocalLimiter) capacity() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow implements Limiter. It never returns an error.
func (rl *LocalLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := rl.now()

	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: rl.capacity(), lastUpdate: now}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// refill in whole tokens; lastUpdate only advances when one is added
	elapsed := now.Sub(b.lastUpdate)
	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if tokensToAdd > 0 {
		b.tokens = min(b.tokens+tokensToAdd, rl.capacity())
		b.lastUpdate = now
	}

	res := Result{Limit: rl.config.RequestsPerWindow, ResetAfter: rl.config.WindowDuration}
	if b.tokens > 0 {
		b.tokens--
		res.Allowed = true
	}
	res.Remaining = b.tokens
	return res, nil
}

// Cleanup removes buckets idle for more than two windows
func (rl *LocalLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *LocalLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimit wraps a handler with per-user rate limiting. It must run after
// the actor has been placed in the request context.
func RateLimit(limiter Limiter, logger *observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := requestKey(r)
			res, err := limiter.Allow(r.Context(), key)
			if err != nil {
				metrics.RecordRateLimit("error")
				observability.FromContextOr(r.Context(), logger).WithError(err).WithField("key", key).
					Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, res)
			if !res.Allowed {
				metrics.RecordRateLimit("limited")
				retryAfter := int(math.Ceil(res.ResetAfter.Seconds()))
				w.Header().Set("Retry-After", fmt.Sprintf("%d", max(retryAfter, 1)))
				httputil.WriteErrorResponse(w, http.StatusTooManyRequests, httputil.ErrorResponse{
					Error: "rate limit exceeded",
					Code:  "rate_limited",
				})
				return
			}

			metrics.RecordRateLimit("allowed")
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(res.Remaining, 0)))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(res.ResetAfter).Unix()))
}

// requestKey identifies the caller: the acting user when known, otherwise
// the client address
func requestKey(r *http.Request) string {
	if actorID, ok := contextkeys.GetActorID(r.Context()); ok {
		return fmt.Sprintf("user:%d", actorID)
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
