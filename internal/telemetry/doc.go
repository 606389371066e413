// Package telemetry configures OpenTelemetry tracing and metrics for assistd.
//
// Telemetry is off by default: a local assistant usually has no collector.
// When enabled, spans and metrics are exported over OTLP (gRPC or
// HTTP/protobuf) and installed as the global providers, so packages that
// call otel.Tracer or otel.Meter pick them up without extra wiring.
// Exporter failures degrade telemetry, they never stop the server.
package telemetry
