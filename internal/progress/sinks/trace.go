package sinks

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wetraa/999md-scraper/internal/pipeline"
	"github.com/wetraa/999md-scraper/internal/progress"
)

const tracerName = "github.com/wetraa/999md-scraper/internal/progress/sinks"

// TraceSink turns every attempt into an OpenTelemetry span carrying the
// attempt's real start and end times.
type TraceSink struct {
	tracer trace.Tracer
}

// NewTraceSink builds a TraceSink on tp, or on the global provider when tp
// is nil.
func NewTraceSink(tp trace.TracerProvider) *TraceSink {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TraceSink{tracer: tp.Tracer(tracerName)}
}

// Consume starts and ends one span per event.
func (s *TraceSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		started := evt.Started
		if started.IsZero() {
			started = evt.TS.Add(-evt.Dur)
		}
		_, span := s.tracer.Start(ctx, "fetch.attempt",
			trace.WithTimestamp(started),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("scraper.call_id", evt.CallID),
				attribute.Int("scraper.attempt", evt.Attempt),
				attribute.String("scraper.site", evt.Site),
				attribute.String("http.request.method", evt.Method),
				attribute.String("url.full", evt.URL),
				attribute.Int64("http.response.body.size", evt.Bytes),
			),
		)
		if evt.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", evt.StatusCode))
		}
		if evt.Outcome != pipeline.OutcomeSuccess {
			span.SetAttributes(
				attribute.String("scraper.outcome", string(evt.Outcome)),
				attribute.String("error.type", string(evt.ErrorKind)),
			)
			span.SetStatus(codes.Error, evt.Note)
		}
		span.End(trace.WithTimestamp(evt.TS))
	}
	return nil
}

// Close implements the Sink interface; spans are flushed by the provider.
func (s *TraceSink) Close(context.Context) error {
	return nil
}
