package opsapi

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter caps requests per client within a one-minute window.
type RateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	perMinute int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type rateWindow struct {
	count int
	start time.Time
}

// NewRateLimiter allows perMinute requests per client; 0 means 60.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		windows:   make(map[string]*rateWindow),
		perMinute: perMinute,
		window:    time.Minute,
		now:       time.Now,
	}
}

// Allow reports whether key may make another request now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > rl.window {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.perMinute {
		slog.Debug("ops rate limit exceeded", "client", key, "count", w.count, "limit", rl.perMinute)
		return false
	}
	return true
}

// sweep drops expired windows at most once per window length.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for key, w := range rl.windows {
		if now.Sub(w.start) > 2*rl.window {
			delete(rl.windows, key)
		}
	}
}

// Clients is the number of tracked windows.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Middleware rejects over-limit clients with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(host)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
