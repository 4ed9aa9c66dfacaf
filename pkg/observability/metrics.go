package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records runtime measurements for the agent. Implementations must
// be safe for concurrent use and tolerate being called before initialization.
type Metrics interface {
	// RecordChatTurn records a completed chat turn (one user message through
	// the reasoning loop), its total duration, and tokens consumed.
	RecordChatTurn(ctx context.Context, duration time.Duration, tokens int, err error)

	// RecordToolExecution records a single tool call.
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)

	// RecordLLMCall records a single LLM request with token usage.
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)

	// RecordMemoryOperation records a memory engine decision (ADD, UPDATE,
	// DELETE, NONE) or a failure.
	RecordMemoryOperation(ctx context.Context, operation string, err error)

	// RecordEmbedding records an embedding request.
	RecordEmbedding(ctx context.Context, duration time.Duration, err error)

	// RecordHTTPRequest records an API request.
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, reqSize, respSize int64)

	// Handler returns the scrape handler for the metrics endpoint.
	Handler() http.Handler
}

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// SetGlobalMetrics installs the process-wide metrics recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics recorder. Never nil.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

// PrometheusMetrics implements Metrics on OpenTelemetry instruments exported
// through a dedicated Prometheus registry. The zero value is a safe no-op.
type PrometheusMetrics struct {
	chatDuration metric.Float64Histogram
	chatTotal    metric.Int64Counter
	chatErrors   metric.Int64Counter
	chatTokens   metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter

	memoryOps    metric.Int64Counter
	memoryErrors metric.Int64Counter

	embedDuration metric.Float64Histogram
	embedErrors   metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter

	provider *sdkmetric.MeterProvider
	handler  http.Handler
}

var _ Metrics = (*PrometheusMetrics)(nil)

// InitMetrics builds the metrics recorder. When disabled, the returned
// recorder drops all measurements and its Handler reports 503.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	// A dedicated registry keeps repeated initializations (and tests) from
	// colliding on the default global registerer.
	registry := prometheus.NewRegistry()
	var registerer prometheus.Registerer = registry
	if len(cfg.ConstLabels) > 0 {
		registerer = prometheus.WrapRegistererWith(prometheus.Labels(cfg.ConstLabels), registry)
	}

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registerer),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(DefaultServiceName)

	name := func(s string) string {
		if cfg.Subsystem != "" {
			return cfg.Subsystem + "_" + s
		}
		return s
	}

	var errs []error
	counter := func(n, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name(n), metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}
	histogram := func(n, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name(n), metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return h
	}

	m := &PrometheusMetrics{
		chatDuration: histogram("chat_turn_duration_seconds", "Chat turn duration in seconds"),
		chatTotal:    counter("chat_turns_total", "Total chat turns processed"),
		chatErrors:   counter("chat_turn_errors_total", "Total chat turns that failed"),
		chatTokens:   counter("chat_tokens_used_total", "Total tokens consumed by chat turns"),

		toolDuration: histogram("tool_execution_duration_seconds", "Tool execution duration in seconds"),
		toolCalls:    counter("tool_calls_total", "Total tool calls"),
		toolErrors:   counter("tool_errors_total", "Total tool call failures"),

		llmDuration:     histogram("llm_request_duration_seconds", "LLM request duration in seconds"),
		llmInputTokens:  counter("llm_tokens_input_total", "Total input tokens sent to the LLM"),
		llmOutputTokens: counter("llm_tokens_output_total", "Total output tokens from the LLM"),
		llmErrors:       counter("llm_errors_total", "Total LLM request failures"),

		memoryOps:    counter("memory_operations_total", "Total memory engine operations by type"),
		memoryErrors: counter("memory_operation_errors_total", "Total memory engine failures"),

		embedDuration: histogram("embedding_duration_seconds", "Embedding request duration in seconds"),
		embedErrors:   counter("embedding_errors_total", "Total embedding request failures"),

		httpDuration: histogram("http_request_duration_seconds", "HTTP request duration in seconds"),
		httpRequests: counter("http_requests_total", "Total HTTP requests"),

		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to create instrument: %w", errs[0])
	}

	return m, nil
}

// Shutdown flushes and stops the meter provider.
func (m *PrometheusMetrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// Handler returns the Prometheus scrape handler, or a 503 handler when
// metrics are disabled.
func (m *PrometheusMetrics) Handler() http.Handler {
	if m == nil || m.handler == nil {
		return NoopMetrics{}.Handler()
	}
	return m.handler
}

func (m *PrometheusMetrics) RecordChatTurn(ctx context.Context, duration time.Duration, tokens int, err error) {
	if m == nil || m.chatDuration == nil {
		return
	}

	m.chatDuration.Record(ctx, duration.Seconds())
	m.chatTotal.Add(ctx, 1)

	if tokens > 0 {
		m.chatTokens.Add(ctx, int64(tokens))
	}
	if err != nil {
		m.chatErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("tool", tool))

	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)

	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))

	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)

	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordMemoryOperation(ctx context.Context, operation string, err error) {
	if m == nil || m.memoryOps == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("operation", operation))

	m.memoryOps.Add(ctx, 1, attrs)
	if err != nil {
		m.memoryErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordEmbedding(ctx context.Context, duration time.Duration, err error) {
	if m == nil || m.embedDuration == nil {
		return
	}

	m.embedDuration.Record(ctx, duration.Seconds())
	if err != nil {
		m.embedErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, reqSize, respSize int64) {
	if m == nil || m.httpDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", statusCode),
	)

	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}
