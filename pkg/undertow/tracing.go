package undertow

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig holds configuration for the Tracing middleware.
type TracingConfig struct {
	// TracerName identifies the tracer (default: "undertow")
	TracerName string
	// SkipPaths lists paths excluded from tracing
	SkipPaths []string
	// Propagator extracts the parent trace from request headers
	// (default: W3C Trace Context)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "undertow",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that creates an OpenTelemetry span per request.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a tracing middleware with custom configuration.
// The span context is visible to handlers through ctx.Context(), so spans
// they start become children of the request span. Trace context forwarded by
// the proxy (traceparent, tracestate) is honored.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "undertow"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}

	tracer := otel.Tracer(config.TracerName)

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeAJP(ctx)
			}

			carrier := headerCarrier{headers: ctx.Header()}
			parentCtx := config.Propagator.Extract(ctx.Context(), carrier)

			spanName := fmt.Sprintf("%s %s", ctx.Method(), ctx.Path())
			spanCtx, span := tracer.Start(parentCtx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", ctx.Method()),
					attribute.String("http.target", ctx.RequestURI()),
					attribute.String("http.scheme", ctx.Scheme()),
					attribute.String("http.host", ctx.Authority()),
					attribute.String("net.peer.ip", ctx.RemoteAddr()),
				),
			)
			defer span.End()

			if reqID, ok := ctx.Get("request-id"); ok {
				span.SetAttributes(attribute.String("request.id", fmt.Sprint(reqID)))
			}

			prev := ctx.ctx
			ctx.ctx = spanCtx
			err := next.ServeAJP(ctx)
			ctx.ctx = prev

			status := ctx.Status()
			span.SetAttributes(attribute.Int("http.status_code", status))

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case status >= 500:
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
			default:
				span.SetStatus(codes.Ok, "")
			}

			return err
		})
	}
}

// headerCarrier adapts the exchange headers to the propagation interface.
type headerCarrier struct {
	headers *Headers
}

func (hc headerCarrier) Get(key string) string {
	return hc.headers.Get(key)
}

func (hc headerCarrier) Set(key, value string) {
	hc.headers.Set(key, value)
}

func (hc headerCarrier) Keys() []string {
	all := hc.headers.All()
	keys := make([]string, 0, len(all))
	for _, kv := range all {
		keys = append(keys, kv[0])
	}
	return keys
}
