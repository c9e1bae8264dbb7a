// Package logging builds the process-wide zap logger. Output goes to
// stdout and, when a logger provider is supplied, to OpenTelemetry via
// the otelzap bridge. Services receive the *zap.Logger directly.
package logging
