package logging

import (
	"go.uber.org/zap"
)

// NewZapServiceLogger adapts a zap.Logger. Zap has no trace level; Trace is
// written at debug level with trace=true.
func NewZapServiceLogger(logger *zap.Logger) ServiceLogger {
	if logger == nil {
		panic("flowrunner: zap logger cannot be nil")
	}
	return &zapServiceLogger{logger: logger}
}

type zapServiceLogger struct {
	logger *zap.Logger
}

func (z *zapServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return z
	}
	return &zapServiceLogger{logger: z.logger.With(toZapFields(fields)...)}
}

func (z *zapServiceLogger) Debug(msg string, fields LogFields) {
	z.logger.Debug(msg, toZapFields(fields)...)
}

func (z *zapServiceLogger) Info(msg string, fields LogFields) {
	z.logger.Info(msg, toZapFields(fields)...)
}

func (z *zapServiceLogger) Warn(msg string, fields LogFields) {
	z.logger.Warn(msg, toZapFields(fields)...)
}

func (z *zapServiceLogger) Error(msg string, err error, fields LogFields) {
	zf := toZapFields(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	z.logger.Error(msg, zf...)
}

func (z *zapServiceLogger) Trace(msg string, fields LogFields) {
	z.logger.Debug(msg, append(toZapFields(fields), zap.Bool("trace", true))...)
}

func toZapFields(fields LogFields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}
