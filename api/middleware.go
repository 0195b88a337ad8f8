package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/paw-chain/custody/metrics"
)

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeName returns the mux path template so metric labels stay bounded
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware logs HTTP requests and records their metrics. m and
// latency may be nil.
func LoggerMiddleware(logger log.Logger, m *metrics.CustodyMetrics, latency metric.Float64Histogram) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := routeName(r)
			m.RecordHTTP(route, r.Method, rec.status, elapsed)
			if latency != nil {
				latency.Record(r.Context(), elapsed.Seconds(), metric.WithAttributes(
					attribute.String("route", route),
					attribute.String("method", r.Method),
					attribute.Int("status", rec.status),
				))
			}

			logFn := logger.Debug
			if rec.status >= http.StatusInternalServerError {
				logFn = logger.Error
			}
			logFn("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"latency", elapsed.String(),
				"client_ip", clientIP(r),
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// RateLimitMiddleware limits requests per client IP. rps <= 0 disables it.
func RateLimitMiddleware(rps int) mux.MiddlewareFunc {
	limiters := &sync.Map{}

	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiterInterface, _ := limiters.LoadOrStore(clientIP(r), rate.NewLimiter(rate.Limit(rps), rps*2))
			limiter := limiterInterface.(*rate.Limiter)

			if !limiter.Allow() {
				respondJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:  "Rate limit exceeded",
					Status: http.StatusTooManyRequests,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
