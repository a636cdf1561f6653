package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

const instrumentation = "github.com/felixgeelhaar/llmgate"

// Attribute keys shared by gateway spans.
const (
	KeySession        = attribute.Key("llmgate.session_id")
	KeyProvider       = attribute.Key("llmgate.provider")
	KeyModel          = attribute.Key("llmgate.model")
	KeyAttempt        = attribute.Key("llmgate.attempt")
	KeyActiveProvider = attribute.Key("llmgate.active_provider")
	KeyChainLength    = attribute.Key("llmgate.chain_length")
	KeyErrorCode      = attribute.Key("llmgate.error_code")
	KeyInputTokens    = attribute.Key("llmgate.input_tokens")
	KeyOutputTokens   = attribute.Key("llmgate.output_tokens")
)

func tracer() trace.Tracer {
	return TracerProvider().Tracer(instrumentation)
}

// StartTurnSpan starts the span covering one chat turn of a session.
func StartTurnSpan(ctx context.Context, sessionID, providerID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "session.turn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(KeySession.String(sessionID), KeyProvider.String(providerID)),
	)
}

// StartRouteSpan starts the span covering a walk of the backup chain.
func StartRouteSpan(ctx context.Context, chain []string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "router.route",
		trace.WithAttributes(KeyChainLength.Int(len(chain)), KeyProvider.String(chain[0])),
	)
}

// StartAttemptSpan starts the span covering one provider call up to its
// first chunk.
func StartAttemptSpan(ctx context.Context, providerID, model string, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "provider.open",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			KeyProvider.String(providerID),
			KeyModel.String(model),
			KeyAttempt.Int(attempt),
		),
	)
}

// RecordSuccess sets attrs and marks span ok.
func RecordSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}

// RecordError records err on span with its gateway error code, if any.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	if code := errors.CodeOf(err); code != "" {
		span.SetAttributes(KeyErrorCode.String(string(code)))
	}
	msg := err.Error()
	if gwErr, ok := errors.As(err); ok {
		msg = gwErr.Summary()
	}
	span.SetStatus(codes.Error, msg)
}
