package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pictolex/usage-guard/engine"
	"github.com/pictolex/usage-guard/models"
)

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// RateLimit is the HTTP face of the admission engine. Denials caused
// by fraud or anomaly blocks look exactly like plain rate-limit
// denials; the caller never learns which rule fired.
type RateLimit struct {
	guard *engine.Guard
}

func NewRateLimit(guard *engine.Guard) *RateLimit {
	return &RateLimit{guard: guard}
}

func (m *RateLimit) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		identifier := GetIdentifier(ctx)

		decision := m.guard.CheckRequest(ctx, identifier)

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retrySecs := int64(math.Ceil(decision.RetryAfter.Seconds()))
			if retrySecs < 1 {
				retrySecs = 1
			}
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.FormatInt(retrySecs, 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": "rate limit exceeded", "retry_after": ` + strconv.FormatInt(retrySecs, 10) + `}`))
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.guard.RecordOutcome(ctx, models.Outcome{
			Identifier: identifier,
			Origin:     GetOrigin(ctx),
			Endpoint:   r.URL.Path,
			Method:     r.Method,
			StatusCode: sw.statusCode,
			Latency:    time.Since(start),
			Timestamp:  start,
		})
	})
}
