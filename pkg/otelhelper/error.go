package otelhelper

import (
	"github.com/dukex/keel/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorKindKey holds the kind a FAILED future would record for the error.
const ErrorKindKey = "keel.error.kind"

// SetError marks span as failed and tags it with the error kind, so failed futures and aborted runs
// can be grouped by kind. attrs are attached to the recorded error event.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	kind := attribute.String(ErrorKindKey, string(models.ErrorKindOf(err)))

	span.RecordError(err, trace.WithAttributes(append([]attribute.KeyValue{kind}, attrs...)...))
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(kind)
}
