package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/memkb/memkb/internal/config"
)

// requestIDHeader is echoed back on every response; clients may supply
// their own value for request correlation.
const requestIDHeader = "X-Request-ID"

// RequestID assigns a request ID when the client sent none and echoes it on
// the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// Logging logs one line per request with outcome timing.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("%s %s %d %s request_id=%s",
			r.Method, r.URL.Path, rec.status, time.Since(start), r.Header.Get(requestIDHeader))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// SecurityHeaders adds defensive response headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// RequireAuth enforces Bearer token authentication in production mode; in
// development mode all requests pass.
func RequireAuth(next http.Handler, cfg *config.SecurityConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Mode == "development" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if cfg.APIToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIToken)) != 1 {
			writeRaw(w, http.StatusUnauthorized, `{"code":1401,"message":"unauthorized"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter wraps a token-bucket limiter shared by all endpoints.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing reqPerSec sustained requests
// with the given burst.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(reqPerSec), burst)}
}

// RateLimit rejects requests above the configured rate.
func RateLimit(next http.Handler, rl *RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			writeRaw(w, http.StatusTooManyRequests, `{"code":1429,"message":"rate limit exceeded"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}
