package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"satgate/observability"
	"satgate/observability/logging"
)

// ObservabilityConfig tunes the request instrumentation layer.
type ObservabilityConfig struct {
	ServiceName string
	LogRequests bool
	Enabled     bool
}

// Observability instruments routes with traces, request metrics and an
// optional access log.
type Observability struct {
	cfg     ObservabilityConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// NewObservability wires the shared metrics registry into the middleware.
func NewObservability(cfg ObservabilityConfig, metrics *observability.Metrics, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "satgate"
	}
	return &Observability{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(cfg.ServiceName),
		metrics: metrics,
	}
}

// Middleware wraps next with span, counter and histogram recording for route.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !o.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			elapsed := time.Since(start)
			o.metrics.ObserveRequest(route, r.Method, http.StatusText(recorder.status), elapsed)
			if o.cfg.LogRequests {
				attrs := []any{
					slog.String("route", route),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", recorder.status),
					slog.Duration("elapsed", elapsed),
				}
				// Query strings carry ecash tokens on the balance routes.
				if raw := r.URL.RawQuery; raw != "" {
					attrs = append(attrs, logging.MaskField("query", raw))
				}
				o.logger.Info("request", attrs...)
			}
		})
	}
}

// MetricsHandler exposes the shared registry for the /metrics route.
func (o *Observability) MetricsHandler() http.Handler {
	return o.metrics.Handler()
}

// statusRecorder captures the response status while passing through the
// Flusher so SSE relays keep working under instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
