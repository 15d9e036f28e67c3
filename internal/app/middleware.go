package app

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ollamux/ollamux/internal/adapter/metrics"
	"github.com/ollamux/ollamux/internal/logger"
)

type requestIDKey struct{}

// requestID returns the id stamped on the request by the middleware chain.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder captures the committed status code while still passing
// Flush through, which streaming responses depend on.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withMiddleware wraps the mux with request ids, panic recovery, access
// logging and HTTP metrics. The metric endpoint label is the matched mux
// pattern so per-model paths do not explode cardinality.
func withMiddleware(next *http.ServeMux, log *logger.StyledLogger, m *metrics.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				log.Error("panic serving request",
					"request_id", id,
					"path", r.URL.Path,
					"panic", p,
					"stack", string(debug.Stack()))
				if !rec.wrote {
					writeError(rec, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}

			elapsed := time.Since(start)
			pattern := r.Pattern
			if pattern == "" {
				pattern = "unmatched"
			}
			m.ObserveHTTP(pattern, rec.status, elapsed)
			log.WithRequestID(id).Debug("request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", elapsed)
		}()

		next.ServeHTTP(rec, r)
	})
}
