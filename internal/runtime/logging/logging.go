package logging

import (
	"log/slog"
	"sort"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract used across the runtime. Receivers,
// the transaction manager handle and the watchdog all log through it, and
// transports get a Watermill adapter built from the same instance.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
// Debug, Info, Error and Trace go through Watermill's slog adapter so output
// matches what the transports print; Warn is written to slog directly.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("flowrunner: slog logger cannot be nil")
	}
	return &slogServiceLogger{
		watermillServiceLogger: watermillServiceLogger{inner: watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping)},
		log:                    log,
	}
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter. Watermill
// has no warn level, so Warn is emitted at info level with level=warn attached.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("flowrunner: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	return &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Warn(msg string, fields LogFields) {
	merged := watermill.LogFields{"level": "warn"}
	for k, v := range fields {
		merged[k] = v
	}
	w.inner.Info(msg, merged)
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

type slogServiceLogger struct {
	watermillServiceLogger
	log *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{
		watermillServiceLogger: watermillServiceLogger{inner: s.inner.With(toWatermillFields(fields))},
		log:                    s.log.With(toSlogArgs(fields)...),
	}
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.log.Warn(msg, toSlogArgs(fields)...)
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter so
// transports and the Watermill intake reuse the runtime's logger.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("flowrunner: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log}
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

// NopLogger discards everything. Components fall back to it when constructed
// without a logger.
func NopLogger() ServiceLogger { return nopLogger{} }

type nopLogger struct{}

func (n nopLogger) With(LogFields) ServiceLogger { return n }
func (nopLogger) Debug(string, LogFields)        {}
func (nopLogger) Info(string, LogFields)         {}
func (nopLogger) Warn(string, LogFields)         {}
func (nopLogger) Error(string, error, LogFields) {}
func (nopLogger) Trace(string, LogFields)        {}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

// sortedKeys keeps adapter output stable across runs.
func sortedKeys(fields LogFields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toSlogArgs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for _, k := range sortedKeys(fields) {
		args = append(args, k, fields[k])
	}
	return args
}
