package cfscrape

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger receives printf style diagnostics.
type Logger interface {
	Log(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Log(string, ...any) {}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewZerologLogger logs every message at the given level.
func NewZerologLogger(logger zerolog.Logger, level zerolog.Level) *ZerologLogger {
	return &ZerologLogger{logger: logger, level: level}
}

func (z *ZerologLogger) Log(format string, args ...any) {
	z.logger.WithLevel(z.level).Msgf(format, args...)
}

// traceLogger tags every line with the id of one logical request.
type traceLogger struct {
	id   string
	base Logger
}

func newTraceLogger(base Logger) *traceLogger {
	return &traceLogger{id: uuid.New().String()[:8], base: base}
}

func (t *traceLogger) Log(format string, args ...any) {
	t.base.Log("[%s] "+format, append([]any{t.id}, args...)...)
}
