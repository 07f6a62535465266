package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/ids"
	"sentra.dev/internal/obs"
)

const requestIDHeader = "X-Request-Id"

// RequestID assigns an identifier to every request and echoes it back.
// An incoming X-Request-Id is trusted as-is so callers can correlate.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" {
			rid = ids.New()
		}
		w.Header().Set(requestIDHeader, rid)
		ctx := audit.WithRequestID(r.Context(), rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingJSON: method, path, status, duration, request_id
func LoggingJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		start := time.Now()
		next.ServeHTTP(sw, r)
		fields := map[string]any{
			"type":        "http",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
			fields["request_id"] = rid
		}
		obs.LogEvent(fields)
	})
}

// SecurityHeaders: hardening for a JSON-only API
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes: limit request body size
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// RateLimit: token-bucket per client IP
func RateLimit(next http.Handler, burst int, perSecond int) http.Handler {
	type bucket struct {
		lim *rate.Limiter
		ts  time.Time
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
		ttl     = 5 * time.Minute
	)
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for range ticker.C {
			now := time.Now()
			mu.Lock()
			for k, b := range buckets {
				if now.Sub(b.ts) > ttl {
					delete(buckets, k)
				}
			}
			mu.Unlock()
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		mu.Lock()
		b, ok := buckets[ip]
		if !ok {
			lim := rate.NewLimiter(rate.Limit(perSecond), burst)
			b = &bucket{lim: lim, ts: time.Now()}
			buckets[ip] = b
		}
		b.ts = time.Now()
		mu.Unlock()
		if !b.lim.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For support (first IP)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
