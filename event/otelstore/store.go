// Package otelstore decorates an event.EventStore with OpenTelemetry spans
// and metrics.
package otelstore

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/lirancohen/evcore/event"
)

const instrumentationName = "github.com/lirancohen/evcore/event/otelstore"

// Attribute keys.
const (
	AttrOperation      = attribute.Key("evcore.operation")
	AttrStreamID       = attribute.Key("evcore.stream.id")
	AttrStreamVersion  = attribute.Key("evcore.stream.version")
	AttrExpected       = attribute.Key("evcore.stream.expected_version")
	AttrEventType      = attribute.Key("evcore.event.type")
	AttrEventID        = attribute.Key("evcore.event.id")
	AttrEventCount     = attribute.Key("evcore.events.count")
	AttrGlobalSequence = attribute.Key("evcore.event.global_sequence")
	AttrErrorType      = attribute.Key("evcore.error.type")
)

var _ event.EventStore = (*Store)(nil)

// Store records a span per call and counts appended and loaded events.
type Store struct {
	next       event.EventStore
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	duration metric.Float64Histogram
	appended metric.Int64Counter
	loaded   metric.Int64Counter
	errors   metric.Int64Counter
}

// Option configures a Store.
type Option func(*options)

type options struct {
	tp         trace.TracerProvider
	mp         metric.MeterProvider
	propagator propagation.TextMapPropagator
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.mp = mp }
}

// WithPropagator sets the propagator used to inject trace context into
// event metadata. Defaults to the global one.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) { o.propagator = p }
}

// New wraps next.
func New(next event.EventStore, opts ...Option) (*Store, error) {
	o := options{
		tp:         otel.GetTracerProvider(),
		mp:         otel.GetMeterProvider(),
		propagator: otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.mp.Meter(instrumentationName)
	s := &Store{
		next:       next,
		tracer:     o.tp.Tracer(instrumentationName),
		propagator: o.propagator,
	}

	var err error
	if s.duration, err = meter.Float64Histogram(
		"evcore.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	); err != nil {
		return nil, err
	}
	if s.appended, err = meter.Int64Counter(
		"evcore.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if s.loaded, err = meter.Int64Counter(
		"evcore.events.loaded",
		metric.WithDescription("Number of events read from the store"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if s.errors, err = meter.Int64Counter(
		"evcore.eventstore.errors",
		metric.WithDescription("Number of failed event store operations"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	return s, nil
}

// Append injects the current trace context into the event metadata and
// records the append.
func (s *Store) Append(ctx context.Context, e event.Event, expectedVersion int64) (event.Event, error) {
	ctx, span := s.tracer.Start(ctx, "EventStore.Append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String("append"),
			AttrStreamID.String(e.StreamID),
			AttrEventType.String(string(e.Type)),
			AttrExpected.Int64(expectedVersion),
		),
	)
	defer span.End()

	carrier := propagation.MapCarrier{}
	s.propagator.Inject(ctx, carrier)
	if len(carrier) > 0 {
		md := make(map[string]string, len(e.Metadata)+len(carrier))
		for k, v := range e.Metadata {
			md[k] = v
		}
		for k, v := range carrier {
			md[k] = v
		}
		e.Metadata = md
	}

	start := time.Now()
	stored, err := s.next.Append(ctx, e, expectedVersion)
	s.record(ctx, span, "append", start, err)
	if err != nil {
		return stored, err
	}

	s.appended.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(string(e.Type))))
	span.SetAttributes(
		AttrEventID.String(stored.ID),
		AttrStreamVersion.Int64(stored.Version),
		AttrGlobalSequence.Int64(stored.GlobalSequence),
	)
	return stored, nil
}

func (s *Store) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]event.Event, error) {
	ctx, span := s.tracer.Start(ctx, "EventStore.ReadStream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String("read_stream"),
			AttrStreamID.String(streamID),
			AttrStreamVersion.Int64(fromVersion),
		),
	)
	defer span.End()

	start := time.Now()
	events, err := s.next.ReadStream(ctx, streamID, fromVersion)
	s.record(ctx, span, "read_stream", start, err)
	if err == nil {
		s.loaded.Add(ctx, int64(len(events)))
		span.SetAttributes(AttrEventCount.Int(len(events)))
	}
	return events, err
}

func (s *Store) ReadAll(ctx context.Context, afterSequence int64, limit int) ([]event.Event, error) {
	ctx, span := s.tracer.Start(ctx, "EventStore.ReadAll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String("read_all"),
			AttrGlobalSequence.Int64(afterSequence),
		),
	)
	defer span.End()

	start := time.Now()
	events, err := s.next.ReadAll(ctx, afterSequence, limit)
	s.record(ctx, span, "read_all", start, err)
	if err == nil {
		s.loaded.Add(ctx, int64(len(events)))
		span.SetAttributes(AttrEventCount.Int(len(events)))
	}
	return events, err
}

func (s *Store) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "EventStore.CurrentVersion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String("current_version"),
			AttrStreamID.String(streamID),
		),
	)
	defer span.End()

	start := time.Now()
	v, err := s.next.CurrentVersion(ctx, streamID)
	s.record(ctx, span, "current_version", start, err)
	if err == nil {
		span.SetAttributes(AttrStreamVersion.Int64(v))
	}
	return v, err
}

func (s *Store) record(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	s.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String(op)),
	)
	if err == nil {
		return
	}

	kind := "storage"
	switch {
	case errors.Is(err, event.ErrConcurrencyConflict):
		kind = "conflict"
	case errors.Is(err, event.ErrDuplicateEvent):
		kind = "duplicate"
	}
	s.errors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op), AttrErrorType.String(kind)))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
