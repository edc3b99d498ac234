package logging

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nkkko/pincer/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware logs every request and records the API metrics. The request
// logger is stored in the context for handlers to use with zerolog.Ctx.
func HTTPMiddleware() func(next http.Handler) http.Handler {
	m := metrics.GetMetrics()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.APIActiveConnections.Inc()
			defer m.APIActiveConnections.Dec()

			fields := log.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context()))
			if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
				fields = fields.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
			}
			logger := fields.Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start)

			// The pattern is only known once chi has routed the request
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.APIRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

			var event *zerolog.Event
			switch {
			case status >= 500:
				event = logger.Error()
				m.APIErrorsTotal.WithLabelValues(r.Method, route, "server").Inc()
			case status >= 400:
				event = logger.Warn()
				m.APIErrorsTotal.WithLabelValues(r.Method, route, "client").Inc()
			default:
				event = logger.Debug()
			}
			event.
				Str("route", route).
				Int("status", status).
				Dur("duration", duration).
				Int("response_size", ww.BytesWritten()).
				Msg("Request completed")
		})
	}
}
