package nbd

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nbdkit/go-nbd/internal/telemetry"
)

// Tracer creates spans for handle activity: one per handshake, one per
// command from issue to retirement. The zero value (nil) disables span
// creation entirely; NewTracer returns one backed by the process-wide
// telemetry tracer.
type Tracer struct {
	t trace.Tracer
}

// NewTracer returns a Tracer backed by the telemetry package's global
// tracer (a no-op unless telemetry.Init enabled exporting).
func NewTracer() *Tracer {
	return &Tracer{t: telemetry.Tracer()}
}

// spanEnd finishes a span, recording err if non-nil.
type spanEnd func(err error)

func (tr *Tracer) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) spanEnd {
	if tr == nil {
		return func(error) {}
	}
	_, span := tr.t.Start(ctx, name, trace.WithAttributes(attrs...))
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (tr *Tracer) handshakeSpan(ctx context.Context, export string) spanEnd {
	return tr.startSpan(ctx, "nbd.handshake",
		attribute.String(telemetry.AttrExport, export))
}

func (tr *Tracer) commandSpan(ctx context.Context, op string, cookie, offset uint64, count uint32) spanEnd {
	return tr.startSpan(ctx, "nbd."+op,
		attribute.String(telemetry.AttrOperation, op),
		attribute.Int64(telemetry.AttrCookie, int64(cookie)),
		attribute.Int64(telemetry.AttrOffset, int64(offset)),
		attribute.Int64(telemetry.AttrCount, int64(count)))
}
