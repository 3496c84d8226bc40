package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
)

// rateLimiter is a fixed-window counter keyed by client IP and route.
// Both auth tiers share the same window. Expired windows are cleaned up
// lazily when touched.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	buckets map[string]*windowCounter
	now     func() time.Time
}

type windowCounter struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:  window,
		limit:   limit,
		buckets: make(map[string]*windowCounter),
		now:     time.Now,
	}
}

// allow counts one hit for key and reports whether it is within the
// current window's budget.
func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket, ok := r.buckets[key]
	if !ok || now.Sub(bucket.start) >= r.window {
		r.buckets[key] = &windowCounter{start: now, count: 1}
		// Opportunistic cleanup keeps the map bounded across IPs.
		if len(r.buckets) > 10_000 {
			for k, b := range r.buckets {
				if now.Sub(b.start) >= r.window {
					delete(r.buckets, k)
				}
			}
		}
		return true
	}

	bucket.count++
	return bucket.count <= r.limit
}

// rateLimit applies the per-IP-per-route fixed window.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			ip := clientIP(c.Request())
			key := ip + "|" + c.Request().Method + " " + c.Path()
			if !s.limiter.allow(key) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded, retry next minute")
			}
			return next(c)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
