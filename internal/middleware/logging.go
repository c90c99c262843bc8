// Package middleware provides HTTP middleware for the shelter web server.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gaushala/shelter/internal/logging"
)

// TraceHeader carries the request trace ID.
const TraceHeader = "X-Trace-ID"

// Logging assigns a trace ID to every request and logs it on completion.
func Logging(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get(TraceHeader)
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			w.Header().Set(TraceHeader, traceID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			logger.LogRequest(wrapped.ctx(ctx), r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// Recover turns panics into a 500 and logs them.
func Recover(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.WithContext(r.Context()).WithField("panic", v).Error("handler panicked")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	userCtx    *requestUser
}

// requestUser lets inner middleware report the resolved user back to the
// logging middleware, whose context predates session resolution.
type requestUser struct {
	id, role string
}

func (rw *responseWriter) ctx(base context.Context) context.Context {
	if rw.userCtx == nil {
		return base
	}
	return logging.WithUser(base, rw.userCtx.id, rw.userCtx.role)
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush supports streaming handlers.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// noteUser records the resolved user on the outermost logging writer.
func noteUser(w http.ResponseWriter, id, role string) {
	if rw, ok := w.(*responseWriter); ok {
		rw.userCtx = &requestUser{id: id, role: role}
	}
}
