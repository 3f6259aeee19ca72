package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter provides simple in-memory per-IP rate limiting for the webhook
// endpoint. The processor signs its requests, but a flood of garbage payloads
// would still pay the signature-verification cost per request.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	limit    int
	interval time.Duration
	seen     int // request counter driving periodic cleanup
}

type window struct {
	count   int
	resetAt time.Time
}

const cleanupEvery = 100

// NewRateLimiter creates a rate limiter allowing limit requests per interval
// per client IP.
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:  make(map[string]*window),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	// Lazy cleanup keeps the map bounded without a background goroutine.
	rl.seen++
	if rl.seen%cleanupEvery == 0 || len(rl.windows) > 2*cleanupEvery {
		for ip, w := range rl.windows {
			if now.After(w.resetAt) {
				delete(rl.windows, ip)
			}
		}
	}

	w, ok := rl.windows[ip]
	if !ok || now.After(w.resetAt) {
		rl.windows[ip] = &window{count: 1, resetAt: now.Add(rl.interval)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Middleware wraps an HTTP handler with rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(ClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP from the request, preferring the first
// entry of X-Forwarded-For when a proxy or load balancer set it.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
