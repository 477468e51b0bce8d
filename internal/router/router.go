package router

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go-stdlib/internal/account"
)

const prefix = "/pitchfork-api-account"

type Config struct {
	AdminKey        string
	LoginRatePerMin float64
	LoginRateBurst  int
	TrustProxy      bool
}

// ConfigFromEnv reads router config from env vars.
func ConfigFromEnv() Config {
	cfg := Config{
		AdminKey:        os.Getenv("ADMIN_API_KEY"),
		LoginRatePerMin: 10,
		LoginRateBurst:  5,
		TrustProxy:      os.Getenv("TRUST_PROXY") == "1",
	}
	if v, err := strconv.ParseFloat(os.Getenv("LOGIN_RATE_PER_MIN"), 64); err == nil && v > 0 {
		cfg.LoginRatePerMin = v
	}
	if v, err := strconv.Atoi(os.Getenv("LOGIN_RATE_BURST")); err == nil && v > 0 {
		cfg.LoginRateBurst = v
	}
	return cfg
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware logs every request at debug level, and server errors at warn.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			fields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds()) / 1000.0,
				"size", lrw.size,
			}
			if status >= http.StatusInternalServerError {
				logger.Warnw("http request", fields...)
				return
			}
			logger.Debugw("http request", fields...)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers. Responses carry
// credentials and session state, so nothing is cached.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if h.Get("Content-Security-Policy") == "" {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			// only over TLS
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminKeyMiddleware rejects requests whose X-Admin-Key does not match key.
// An empty key leaves the routes open.
func AdminKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"message":"administrator key required"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RegisterRoutes mounts HTTP handlers using the standard library's http.ServeMux.
func RegisterRoutes(logger *zap.SugaredLogger, h *account.Handler, cfg Config) http.Handler {
	mux := http.NewServeMux()
	h.TrustProxy = cfg.TrustProxy

	// health
	mux.HandleFunc("GET "+prefix+"/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// auth routes
	limiter := NewIPLimiter(cfg.LoginRatePerMin, cfg.LoginRateBurst)
	clientKey := func(r *http.Request) string { return account.ClientIP(r, cfg.TrustProxy) }
	limited := RateLimitMiddleware(limiter, clientKey, logger)

	mux.HandleFunc("POST "+prefix+"/auth/signup", h.Signup)
	mux.Handle("POST "+prefix+"/auth/login", limited(http.HandlerFunc(h.Login)))
	mux.HandleFunc("POST "+prefix+"/auth/logout", h.Logout)
	mux.HandleFunc("GET "+prefix+"/auth/session", h.Session)

	// admin routes
	if cfg.AdminKey == "" {
		logger.Warn("ADMIN_API_KEY is not set; admin routes are open")
	}
	admin := AdminKeyMiddleware(cfg.AdminKey)
	mux.Handle("GET "+prefix+"/auth/pending", admin(http.HandlerFunc(h.Pending)))
	mux.Handle("POST "+prefix+"/auth/approve", admin(http.HandlerFunc(h.Approve)))
	mux.Handle("POST "+prefix+"/auth/unlock", admin(http.HandlerFunc(h.Unlock)))

	// wrap with security headers middleware then logging middleware
	handler := LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))
	return handler
}
