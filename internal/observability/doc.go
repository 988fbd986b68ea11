// Package observability provides the logging, metrics and tracing used by
// callrelay.
//
//   - Logging: slog handlers (JSON or text) wrapped with secret redaction and
//     call-scoped context fields (call_id, stream_id, session_id, stage).
//   - Metrics: Prometheus collectors for sessions, handoffs, function calls,
//     audio relay and call control.
//   - Tracing: OpenTelemetry spans exported over OTLP/gRPC, or a no-op tracer
//     when no endpoint is configured.
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	slog.SetDefault(logger.Slog())
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.HandoffCompleted("qualifier", "advisor", time.Since(start))
package observability
