package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/metrics"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

type contextKey string

const correlationKey contextKey = "correlation_id"

// CorrelationID returns the request's correlation id, or empty outside a
// request context.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// withCorrelation assigns each request a correlation id and echoes it back
// in the X-Correlation-ID header. A client-supplied id is kept so retries
// correlate across attempts.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", corr)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, corr)))
	})
}

// withRecovery converts a handler panic into a logged 500. The crash is
// isolated to its request.
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithCorrelationID(CorrelationID(r.Context())).Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: ErrorBody{
					Code:          "InternalError",
					Message:       "internal error",
					CorrelationID: CorrelationID(r.Context()),
				}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Flush lets streaming handlers (SSE, artifact egress) push chunks through.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withObservability logs every request and records API metrics.
func withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.URL.Path)

		log.WithCorrelationID(CorrelationID(r.Context())).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("request handled")
	})
}

// withBackpressure bounds concurrent requests and applies the global rate
// limit. Excess load is rejected immediately rather than queued.
func withBackpressure(maxConcurrent int, rps float64, next http.Handler) http.Handler {
	sem := make(chan struct{}, maxConcurrent)
	limiter := rate.NewLimiter(rate.Limit(rps), int(rps)*2)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			metrics.RequestsRejected.Inc()
			writeError(w, r, types.ErrServiceUnavailable)
			return
		}
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		default:
			metrics.RequestsRejected.Inc()
			writeError(w, r, types.ErrServiceUnavailable)
			return
		}

		metrics.RequestsInFlight.Inc()
		defer metrics.RequestsInFlight.Dec()
		next.ServeHTTP(w, r)
	})
}
