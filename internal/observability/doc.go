// Package observability provides metrics, structured logging, and
// distributed tracing for the agent service.
//
// # Metrics
//
// Metrics use the Prometheus client and track provider request latency
// and token usage, tool dispatch outcomes, emulated tool calls, error
// rates, and agent and extension lifecycle. All series carry the
// switchboard_ prefix:
//
//	metrics := observability.NewMetrics(nil)
//	metrics.RecordProviderRequest("anthropic", model, "ok",
//	    time.Since(start).Seconds(), usage.InputTokens, usage.OutputTokens)
//	metrics.RecordToolCall("developer", "shell", "success", elapsed)
//
// # Logging
//
// Logging is built on log/slog with correlation fields pulled from the
// context and redaction of API keys, tokens, and passwords before
// emission:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "reply started", "provider", "anthropic")
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP/gRPC exporter. Without a
// configured endpoint the tracer is a no-op, so call sites stay
// unconditional:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "switchboard",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceReply(ctx, sessionID)
//	defer span.End()
package observability
