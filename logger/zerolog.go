package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ZerologLogger is a Logger backed by github.com/rs/zerolog.
// It is useful for applications that already standardize on zerolog and want
// the mtproto packages to emit records through the same pipeline.
type ZerologLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	level  Level
}

var _ Logger = (*ZerologLogger)(nil)

// NewZerolog creates a zerolog-backed Logger writing to w.
// If w is nil, os.Stdout is used.
func NewZerolog(w io.Writer, level Level) Logger {
	if w == nil {
		w = os.Stdout
	}
	inst := &ZerologLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
	inst.SetLevel(level)

	return inst
}

func (l *ZerologLogger) Debug(msg string, keysAndValues ...any) {
	l.log(l.logger.Debug(), msg, keysAndValues)
}

func (l *ZerologLogger) Info(msg string, keysAndValues ...any) {
	l.log(l.logger.Info(), msg, keysAndValues)
}

func (l *ZerologLogger) Warn(msg string, keysAndValues ...any) {
	l.log(l.logger.Warn(), msg, keysAndValues)
}

func (l *ZerologLogger) Error(msg string, keysAndValues ...any) {
	l.log(l.logger.Error(), msg, keysAndValues)
}

func (l *ZerologLogger) Fatal(msg string, keysAndValues ...any) {
	l.log(l.logger.Error(), msg, keysAndValues)
	os.Exit(1)
}

func (l *ZerologLogger) With(keyValues ...any) Logger {
	ctx := l.logger.With()
	for i := 0; i+1 < len(keyValues); i += 2 {
		ctx = ctx.Interface(toKey(keyValues[i]), keyValues[i+1])
	}

	return &ZerologLogger{logger: ctx.Logger(), level: l.level}
}

func (l *ZerologLogger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.level
}

func (l *ZerologLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.level = level
	l.logger = l.logger.Level(toZerologLevel(level))
}

// log attaches the key-value pairs to the event and emits it.
// Dangling keys without a value are logged as-is under the "arg" key.
func (l *ZerologLogger) log(ev *zerolog.Event, msg string, keysAndValues []any) {
	if ev == nil {
		return
	}
	i := 0
	for ; i+1 < len(keysAndValues); i += 2 {
		ev = ev.Interface(toKey(keysAndValues[i]), keysAndValues[i+1])
	}
	if i < len(keysAndValues) {
		ev = ev.Interface("arg", keysAndValues[i])
	}
	ev.Msg(msg)
}

func toKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toZerologLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
