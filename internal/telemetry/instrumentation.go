package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes stay low-cardinality: operation names, component names
// and status values only. Item ids, labels and paths belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span and reports its status.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, operationName)
	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// InstrumentClientOperation wraps one remote service call and feeds the
// client operation counters.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, service, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, "remote_client", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordClientOperation(service, operation, status)

	return err
}

// InstrumentDBOperation wraps one database operation in a span.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operationName string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	return t.InstrumentOperation(ctx, "db_"+operationName, "database", fn)
}

// InstrumentFetch wraps the fetch/extract of one completed item.
func (t *Telemetry) InstrumentFetch(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	err := t.InstrumentOperation(ctx, "fetch", "fetcher", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordFetch(status, time.Since(start))

	return err
}
