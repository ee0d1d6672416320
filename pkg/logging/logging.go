// Package logging provides the structured logger used across the core:
// session state machine, media pipeline and signaling adapter all log
// through this package rather than the standard library's log package.
package logging

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's level scale so callers never import zerolog directly.
type Level int8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Field is a single structured log attribute.
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                 { return Field{key, value} }
func Int64(key string, value int64) Field             { return Field{key, value} }
func Uint32(key string, value uint32) Field            { return Field{key, value} }
func Bool(key string, value bool) Field               { return Field{key, value} }
func Duration(key string, value time.Duration) Field  { return Field{key, value} }
func Time(key string, value time.Time) Field          { return Field{key, value} }
func Any(key string, value interface{}) Field         { return Field{key, value} }
func Err(err error) Field                              { return Field{"error", err} }

// Logger is the structured logging surface consumed by every package in
// this module. Call-site fields match the SIP-context shape the session
// state machine cares about: call_id, dialog_id, method, state.
type Logger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Fatal(ctx context.Context, msg string, fields ...Field)

	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) Logger
	WithFields(fields ...Field) Logger

	SetLevel(level Level)
	IsEnabled(level Level) bool
}

type zlogger struct {
	mu    sync.RWMutex
	base  zerolog.Logger
	level Level
}

var (
	defaultOnce sync.Once
	defaultLog  Logger
)

// Default returns the process-wide logger, built once on first use.
func Default() Logger {
	defaultOnce.Do(func() {
		defaultLog = New(os.Stderr)
	})
	return defaultLog
}

// New builds a logger writing newline-delimited JSON to w.
func New(w io.Writer) Logger {
	base := zerolog.New(w).With().Timestamp().Logger()
	return &zlogger{base: base, level: LevelInfo}
}

// NewConsole builds a logger writing human-readable console output to w,
// useful for interactive `cmd/uactl` sessions.
func NewConsole(w io.Writer) Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	base := zerolog.New(cw).With().Timestamp().Logger()
	return &zlogger{base: base, level: LevelInfo}
}

func (l *zlogger) with(ev *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			ev = ev.AnErr(f.Key, v)
		case string:
			ev = ev.Str(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case int64:
			ev = ev.Int64(f.Key, v)
		case uint32:
			ev = ev.Uint32(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case time.Duration:
			ev = ev.Dur(f.Key, v)
		case time.Time:
			ev = ev.Time(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	return ev
}

func (l *zlogger) log(level zerolog.Level, msg string, fields []Field) {
	l.mu.RLock()
	base := l.base
	l.mu.RUnlock()
	ev := base.WithLevel(level)
	ev = l.with(ev, fields)
	ev.Msg(msg)
}

func (l *zlogger) Trace(_ context.Context, msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields) }
func (l *zlogger) Debug(_ context.Context, msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l *zlogger) Info(_ context.Context, msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l *zlogger) Warn(_ context.Context, msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l *zlogger) Error(_ context.Context, msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }
func (l *zlogger) Fatal(_ context.Context, msg string, fields ...Field) { l.log(zerolog.FatalLevel, msg, fields) }

func (l *zlogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	l.Error(ctx, msg, append(fields, Err(err))...)
}

func (l *zlogger) WithComponent(component string) Logger {
	l.mu.RLock()
	base := l.base
	l.mu.RUnlock()
	return &zlogger{base: base.With().Str("component", component).Logger(), level: l.level}
}

func (l *zlogger) WithFields(fields ...Field) Logger {
	l.mu.RLock()
	ctx := l.base.With()
	l.mu.RUnlock()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &zlogger{base: ctx.Logger(), level: l.level}
}

func (l *zlogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.base = l.base.Level(level.zerolog())
}

func (l *zlogger) IsEnabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}
