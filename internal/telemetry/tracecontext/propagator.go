// Package tracecontext carries W3C trace context across HTTP requests and queued jobs.
package tracecontext

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "trade-machine/backend/tracecontext"

// Propagator extracts and injects trace context and starts the spans on either side of a hop.
type Propagator struct {
	prop   propagation.TextMapPropagator
	tracer trace.Tracer
}

// New returns a Propagator using the given provider and propagator. Nil arguments fall back to the
// global ones.
func New(tp trace.TracerProvider, prop propagation.TextMapPropagator) *Propagator {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	return &Propagator{prop: prop, tracer: tp.Tracer(instrumentationName)}
}

// Middleware continues the caller's trace: it extracts traceparent/tracestate/baggage from the
// request headers and runs next inside a server span that is a child of the remote parent.
func (p *Propagator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := p.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := p.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// Inject serializes the span context active in ctx. The result is empty when ctx carries no
// valid span.
func (p *Propagator) Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	p.prop.Inject(ctx, carrier)
	return carrier
}

// Extract returns ctx with the remote span context described by carrier.
func (p *Propagator) Extract(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return p.prop.Extract(ctx, propagation.MapCarrier(carrier))
}

// StartConsumerSpan starts a consumer span for a queued job, parented on the producer's context
// in carrier when present.
func (p *Propagator) StartConsumerSpan(ctx context.Context, name string, carrier map[string]string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = p.Extract(ctx, carrier)
	return p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(attrs...))
}

// StartProducerSpan starts a producer span around enqueueing a job.
func (p *Propagator) StartProducerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindProducer), trace.WithAttributes(attrs...))
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
