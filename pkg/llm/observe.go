package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/mnemo/pkg/observability"
)

// startLLMSpan opens the request span every provider's Generate shares.
func startLLMSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	tracer := observability.GetTracer("mnemo.llm")
	return tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, model),
			attribute.String("provider", provider),
		),
	)
}

// finishLLMSpan closes out the span and records call metrics. usage may be
// nil on failure.
func finishLLMSpan(ctx context.Context, span trace.Span, model string, start time.Time, usage *Usage, err error) {
	duration := time.Since(start)
	metrics := observability.GetGlobalMetrics()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordLLMCall(ctx, model, duration, 0, 0, err)
		return
	}

	if usage != nil {
		span.SetAttributes(
			attribute.Int(observability.AttrLLMTokensInput, usage.PromptTokens),
			attribute.Int(observability.AttrLLMTokensOutput, usage.CompletionTokens),
		)
		metrics.RecordLLMCall(ctx, model, duration, usage.PromptTokens, usage.CompletionTokens, nil)
	} else {
		metrics.RecordLLMCall(ctx, model, duration, 0, 0, nil)
	}
	span.SetStatus(codes.Ok, "")
}
