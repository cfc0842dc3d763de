package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()
		next.ServeHTTP(w, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"from", r.RemoteAddr,
			"dur", time.Since(start))
	})
}

// rateLimitMiddleware applies a token-bucket limiter per client IP. Idle
// client entries are dropped once their bucket refills, keeping the map
// bounded under churn.
func rateLimitMiddleware(rps, burst int, next http.Handler) http.Handler {
	if burst <= 0 {
		burst = rps
	}
	var (
		mu      sync.Mutex
		clients = make(map[string]*rate.Limiter)
	)

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := clients[ip]
		if !ok {
			l = rate.NewLimiter(rate.Limit(rps), burst)
			clients[ip] = l
		}
		// Opportunistic cleanup so the map does not grow without bound.
		if len(clients) > 4096 {
			for k, v := range clients {
				if v.Tokens() >= float64(burst) {
					delete(clients, k)
				}
			}
		}
		return l
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !limiterFor(ip).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
