package middleware

import (
	"net/http"
	"sync"
	"time"
)

// RateLimit is a per-user fixed-window limiter for write endpoints. Entries
// are pruned lazily when a new window opens.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	type bucket struct {
		count   int
		resetAt time.Time
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetUserID(r)
			if key == "" {
				key = r.RemoteAddr
			}

			now := time.Now()
			mu.Lock()
			b, ok := buckets[key]
			if !ok || now.After(b.resetAt) {
				b = &bucket{resetAt: now.Add(window)}
				buckets[key] = b
			}
			b.count++
			over := b.count > limit
			mu.Unlock()

			if over {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
