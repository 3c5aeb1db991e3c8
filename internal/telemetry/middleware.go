package telemetry

import (
	"bufio"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes specific to the profiler routes
const (
	AttrDatabaseID = attribute.Key("profiler.database_id")
	AttrWebSocket  = attribute.Key("profiler.websocket")
)

// HTTPMiddleware traces every request. The route is only known once chi has
// matched it, so the span is renamed after the handler returns. Monitor
// upgrades produce one span covering the whole websocket connection.
func HTTPMiddleware(serviceName string) func(next http.Handler) http.Handler {
	tracer := Tracer(serviceName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			websocket := isWebSocketUpgrade(r)
			ctx, span := tracer.Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
					semconv.HTTPUserAgentKey.String(r.UserAgent()),
					semconv.NetSockPeerAddrKey.String(r.RemoteAddr),
					AttrWebSocket.Bool(websocket),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					span.SetName(r.Method + " " + pattern)
					span.SetAttributes(semconv.HTTPRouteKey.String(pattern))
				}
				if id := rctx.URLParam("id"); id != "" {
					span.SetAttributes(AttrDatabaseID.String(id))
				}
			}

			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(rec.status))
			if rec.status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// statusRecorder remembers the response status. A hijacked connection
// counts as switching protocols since the upgrader writes its own status line.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, brw, err := hj.Hijack()
	if err == nil {
		rw.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}
