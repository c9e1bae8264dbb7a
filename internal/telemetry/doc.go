// Package telemetry provides OpenTelemetry instrumentation for mendd.
//
// It manages the tracer and meter providers, OTLP export, the
// Prometheus bridge for the /metrics endpoint, and graceful shutdown.
// Telemetry failures never crash the process; the instance degrades
// and keeps running.
package telemetry
