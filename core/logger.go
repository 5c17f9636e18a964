package core

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger adapts a zap.Logger to the Logger interface.
type zapLogger struct {
	log *zap.Logger
}

// NewLogger builds a production Logger. Level is one of debug, info,
// warn, error; format is json or console.
func NewLogger(cfg LoggingConfig) (Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfiguration, cfg.Level)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	switch cfg.Format {
	case "", "json":
		zcfg.Encoding = "json"
	case "console", "text":
		zcfg.Encoding = "console"
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfiguration, cfg.Format)
	}

	log, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &zapLogger{log: log}, nil
}

func (z *zapLogger) Debug(msg string, fields map[string]interface{}) {
	z.log.Debug(msg, toZapFields(fields)...)
}

func (z *zapLogger) Info(msg string, fields map[string]interface{}) {
	z.log.Info(msg, toZapFields(fields)...)
}

func (z *zapLogger) Warn(msg string, fields map[string]interface{}) {
	z.log.Warn(msg, toZapFields(fields)...)
}

func (z *zapLogger) Error(msg string, fields map[string]interface{}) {
	z.log.Error(msg, toZapFields(fields)...)
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
