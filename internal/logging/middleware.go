package logging

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware logs every request and attaches a request logger to the
// context. Websocket upgrades are logged when the connection ends.
func HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			fields := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context()))

			if span := trace.SpanFromContext(r.Context()); span.SpanContext().IsValid() {
				fields = fields.
					Str("trace_id", span.SpanContext().TraceID().String()).
					Str("span_id", span.SpanContext().SpanID().String())
			}

			logger := fields.Logger()
			ctx := logger.WithContext(r.Context())

			ww := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			logger.Debug().Msg("Request started")
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Route is only known once chi has matched
			route := ""
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				route = routeCtx.RoutePattern()
			}

			var event *zerolog.Event
			switch {
			case ww.statusCode >= 500:
				event = logger.Error()
			case ww.statusCode >= 400:
				event = logger.Warn()
			case ww.hijacked || strings.HasPrefix(r.URL.Path, "/healthz") || strings.HasPrefix(r.URL.Path, "/metrics"):
				event = logger.Debug()
			default:
				event = logger.Info()
			}

			event.
				Str("route", route).
				Int("status", ww.statusCode).
				Bool("hijacked", ww.hijacked).
				Dur("duration", time.Since(start)).
				Int64("response_size", ww.responseSize).
				Msg("Request completed")
		})
	}
}

// responseWriter captures the status and size of a response
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	hijacked     bool
}

// WriteHeader captures the status code and calls the underlying ResponseWriter
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and calls the underlying ResponseWriter
func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.responseSize += int64(size)
	return size, err
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades pass through
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.hijacked = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}
