package logging

import (
	"time"

	"github.com/rs/zerolog"
)

// NewZerologServiceLogger adapts a zerolog.Logger. This is what the CLI uses
// for console output.
func NewZerologServiceLogger(logger zerolog.Logger) ServiceLogger {
	return &zerologServiceLogger{logger: logger}
}

type zerologServiceLogger struct {
	logger zerolog.Logger
}

func (z *zerologServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return z
	}
	ctx := z.logger.With()
	for _, k := range sortedKeys(fields) {
		ctx = ctx.Interface(k, fields[k])
	}
	return &zerologServiceLogger{logger: ctx.Logger()}
}

func (z *zerologServiceLogger) Debug(msg string, fields LogFields) {
	addZerologFields(z.logger.Debug(), fields).Msg(msg)
}

func (z *zerologServiceLogger) Info(msg string, fields LogFields) {
	addZerologFields(z.logger.Info(), fields).Msg(msg)
}

func (z *zerologServiceLogger) Warn(msg string, fields LogFields) {
	addZerologFields(z.logger.Warn(), fields).Msg(msg)
}

func (z *zerologServiceLogger) Error(msg string, err error, fields LogFields) {
	event := z.logger.Error()
	if err != nil {
		event = event.Err(err)
	}
	addZerologFields(event, fields).Msg(msg)
}

func (z *zerologServiceLogger) Trace(msg string, fields LogFields) {
	addZerologFields(z.logger.Trace(), fields).Msg(msg)
}

func addZerologFields(event *zerolog.Event, fields LogFields) *zerolog.Event {
	for _, k := range sortedKeys(fields) {
		switch v := fields[k].(type) {
		case string:
			event = event.Str(k, v)
		case int:
			event = event.Int(k, v)
		case int64:
			event = event.Int64(k, v)
		case uint64:
			event = event.Uint64(k, v)
		case bool:
			event = event.Bool(k, v)
		case time.Duration:
			event = event.Dur(k, v)
		case time.Time:
			event = event.Time(k, v)
		case error:
			event = event.AnErr(k, v)
		default:
			event = event.Interface(k, v)
		}
	}
	return event
}
