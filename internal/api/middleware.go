package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/errors"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader records the first status written; later calls keep it.
func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.written {
		rw.statusCode = statusCode
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

// requestIDMiddleware tags every request with an ID, minting one when the
// client did not send one.
func (router *Router) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(constants.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(constants.HeaderRequestID, requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware emits one structured line per request.
func (router *Router) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		router.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"status":      wrapped.statusCode,
			"duration_ms": duration.Milliseconds(),
			"remote_addr": getClientIP(r),
			"request_id":  getRequestID(r),
		}).Info("HTTP request")
	})
}

// recoveryMiddleware converts handler panics into opaque 500 responses.
func (router *Router) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				router.logger.WithFields(logrus.Fields{
					"error":      err,
					"path":       r.URL.Path,
					"method":     r.Method,
					"request_id": getRequestID(r),
					"stack":      string(debug.Stack()),
				}).Error("Panic recovered")

				writeAppError(w, errors.NewInternalError("Internal server error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latencies. The path label is
// the route template so path parameters do not explode cardinality.
func (router *Router) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if router.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		router.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// rateLimitMiddleware applies a per-client token bucket and stamps the
// X-RateLimit headers on every response. Exhausted clients get a 429 with
// a Retry-After hint for the next token.
func (router *Router) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		remaining, reset, ok := router.limiter.allow(clientIP)

		w.Header().Set(constants.HeaderRateLimit, strconv.Itoa(router.limiter.limit))
		w.Header().Set(constants.HeaderRateLimitRemaining, strconv.Itoa(remaining))
		w.Header().Set(constants.HeaderRateLimitReset, strconv.FormatInt(reset.Unix(), 10))

		if !ok {
			retryAfter := int(math.Ceil(time.Until(reset).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}

			router.logger.WithFields(logrus.Fields{
				"client_ip":  clientIP,
				"path":       r.URL.Path,
				"request_id": getRequestID(r),
			}).Warn("Rate limit exceeded")

			w.Header().Set(constants.HeaderRetryAfter, strconv.Itoa(retryAfter))
			writeAppError(w, errors.NewRateLimitError("Rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimiterMaxClients caps the tracked-bucket map; stale buckets are
// pruned when the cap is reached.
const rateLimiterMaxClients = 4096

// rateLimiter tracks one token bucket per client. Tokens refill at limit
// per minute up to burst.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	burst   int
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(limit, burst int) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*tokenBucket),
	}
}

// allow consumes one token for the client. It reports the remaining
// allowance and the time the bucket is full again; when the bucket is
// empty, reset is the arrival time of the next token.
func (rl *rateLimiter) allow(client string) (remaining int, reset time.Time, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[client]
	if !exists {
		if len(rl.buckets) >= rateLimiterMaxClients {
			rl.prune(now)
		}
		b = &tokenBucket{tokens: float64(rl.burst)}
		rl.buckets[client] = b
	} else {
		refill := now.Sub(b.last).Minutes() * float64(rl.limit)
		b.tokens = math.Min(b.tokens+refill, float64(rl.burst))
	}
	b.last = now

	perToken := time.Minute / time.Duration(rl.limit)
	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) * float64(perToken))
		return 0, now.Add(wait), false
	}

	b.tokens--
	missing := float64(rl.burst) - b.tokens
	return int(b.tokens), now.Add(time.Duration(missing * float64(perToken))), true
}

// prune drops buckets idle long enough to have refilled completely.
// Callers must hold rl.mu.
func (rl *rateLimiter) prune(now time.Time) {
	idle := time.Duration(float64(rl.burst) / float64(rl.limit) * float64(time.Minute))
	for client, b := range rl.buckets {
		if now.Sub(b.last) > idle {
			delete(rl.buckets, client)
		}
	}
}

// writeAppError renders the standard error envelope from middleware, where
// the handlers' responder is out of reach. The status comes from the error.
func writeAppError(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": appErr})
}

// getRequestID reads the ID stamped by requestIDMiddleware.
func getRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// getClientIP resolves the caller address, preferring proxy headers.
func getClientIP(r *http.Request) string {
	xff := r.Header.Get(constants.HeaderForwardedFor)
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	realIP := r.Header.Get(constants.HeaderRealIP)
	if realIP != "" {
		return realIP
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}
