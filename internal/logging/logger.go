package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum emitted level: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`

	// Stdout enables the stdout core (default when nothing else is).
	Stdout bool `koanf:"stdout"`

	// OTEL mirrors records to the OpenTelemetry bridge when a provider
	// is supplied.
	OTEL bool `koanf:"otel"`
}

// DefaultConfig returns production defaults: JSON to stdout at info.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Stdout: true,
	}
}

// New creates a zap logger from config. otelProvider may be nil; the
// OTEL core is then skipped.
func New(cfg *Config, otelProvider log.LoggerProvider) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	cores := make([]zapcore.Core, 0, 2)
	if cfg.Stdout {
		cores = append(cores, zapcore.NewCore(
			newEncoder(cfg.Format),
			zapcore.AddSync(os.Stdout),
			level,
		))
	}
	if cfg.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("mendd",
			otelzap.WithLoggerProvider(otelProvider),
		))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one log output must be enabled")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}

	return zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// newEncoder creates a JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}
