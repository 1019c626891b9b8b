package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/common/trace"
)

// correlationMiddleware assigns or propagates the correlation ID and echoes
// it on the response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get(trace.Header)
		if corrID == "" {
			corrID = uuid.NewString()
		}
		w.Header().Set(trace.Header, corrID)
		next.ServeHTTP(w, r.WithContext(trace.WithCorrelationID(r.Context(), corrID)))
	})
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", trace.FromContext(r.Context()),
		)
	})
}
