package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"certledger.org/internal/obs"
)

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

// RequestID assigns each request a UUID, echoed in the X-Request-ID header
// and available to handlers via RequestIDFromContext.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" || len(rid) > 64 {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		ctx := context.WithValue(r.Context(), requestIDKey{}, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}

// LoggingJSON emits one structured line per completed request.
func LoggingJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		start := time.Now()
		next.ServeHTTP(sw, r)
		obs.LogRequest(map[string]any{
			"msg":         "request_complete",
			"request_id":  RequestIDFromContext(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          clientIP(r),
			"user_agent":  r.UserAgent(),
		})
	})
}

// SecurityHeaders sets the hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// CORS: locked but practical (adjust origins if needed)
func CORS(next http.Handler) http.Handler {
	allowedMethods := "GET,POST,PUT,DELETE,OPTIONS"
	allowedHeaders := "Content-Type,Authorization"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Max-Age", "600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
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

// ipBuckets is a per-client-IP token bucket set with idle eviction.
type ipBuckets struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perSecond int
	burst     int
}

type bucket struct {
	lim *rate.Limiter
	ts  time.Time
}

const bucketTTL = 5 * time.Minute

func newIPBuckets(perSecond, burst int) *ipBuckets {
	b := &ipBuckets{
		buckets:   make(map[string]*bucket),
		perSecond: perSecond,
		burst:     burst,
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for range ticker.C {
			b.evict(time.Now())
		}
	}()
	return b
}

func (b *ipBuckets) allow(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.buckets[ip]
	if !ok {
		bk = &bucket{lim: rate.NewLimiter(rate.Limit(b.perSecond), b.burst)}
		b.buckets[ip] = bk
	}
	bk.ts = time.Now()
	return bk.lim.Allow()
}

func (b *ipBuckets) evict(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, bk := range b.buckets {
		if now.Sub(bk.ts) > bucketTTL {
			delete(b.buckets, k)
		}
	}
}

// rateLimits holds the general budget plus the stricter one for the
// credential endpoints. Health and metrics probes are exempt.
type rateLimits struct {
	general *ipBuckets
	login   *ipBuckets
}

func newRateLimits(cfg Config) *rateLimits {
	general, burst := cfg.RatePerSecond, cfg.RateBurst
	if general <= 0 {
		general = 20
	}
	if burst <= 0 {
		burst = 40
	}
	loginRate, loginBurst := cfg.AuthRatePerSecond, cfg.AuthRateBurst
	if loginRate <= 0 {
		loginRate = 1
	}
	if loginBurst <= 0 {
		loginBurst = 5
	}
	return &rateLimits{
		general: newIPBuckets(general, burst),
		login:   newIPBuckets(loginRate, loginBurst),
	}
}

func (rl *rateLimits) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		limiter := rl.general
		if strings.HasPrefix(r.URL.Path, "/api/auth/") {
			limiter = rl.login
		}
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit wraps a handler with a single shared budget, for tests and
// one-off handlers.
func RateLimit(next http.Handler, burst, perSecond int) http.Handler {
	buckets := newIPBuckets(perSecond, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		if !buckets.allow(ip) {
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

func isLocalOrigin(o string) bool {
	// allow localhost during dev; extend list for prod domains later
	return strings.HasPrefix(o, "http://localhost:") || strings.HasPrefix(o, "http://127.0.0.1:")
}
