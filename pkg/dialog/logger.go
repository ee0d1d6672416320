package dialog

import (
	"context"
	"time"

	"github.com/arzzra/go-uacore/pkg/logging"
)

// The dialog package logs through pkg/logging (zerolog-backed) rather than
// a hand-rolled writer. The aliases below keep the rest of this package's
// call sites (metrics.go, recovery.go, tx.go, ...) unchanged.

type StructuredLogger = logging.Logger
type LogLevel = logging.Level
type Field = logging.Field

const (
	LogLevelTrace = logging.LevelTrace
	LogLevelDebug = logging.LevelDebug
	LogLevelInfo  = logging.LevelInfo
	LogLevelWarn  = logging.LevelWarn
	LogLevelError = logging.LevelError
	LogLevelFatal = logging.LevelFatal
)

func String(key, value string) Field                { return logging.String(key, value) }
func Int(key string, value int) Field                { return logging.Int(key, value) }
func Int64(key string, value int64) Field            { return logging.Int64(key, value) }
func Bool(key string, value bool) Field              { return logging.Bool(key, value) }
func Duration(key string, value time.Duration) Field { return logging.Duration(key, value) }
func Time(key string, value time.Time) Field         { return logging.Time(key, value) }
func Any(key string, value interface{}) Field        { return logging.Any(key, value) }
func Err(err error) Field                            { return logging.Err(err) }

// GetDefaultLogger returns the process-wide logger used when a dialog or
// stack is constructed without an explicit logger.
func GetDefaultLogger() StructuredLogger {
	return logging.Default().WithComponent("dialog")
}

// NoOpLogger discards everything; useful in tests that assert on call
// counts rather than log output.
type NoOpLogger struct{}

func (NoOpLogger) Trace(context.Context, string, ...Field)      {}
func (NoOpLogger) Debug(context.Context, string, ...Field)      {}
func (NoOpLogger) Info(context.Context, string, ...Field)       {}
func (NoOpLogger) Warn(context.Context, string, ...Field)       {}
func (NoOpLogger) Error(context.Context, string, ...Field)      {}
func (NoOpLogger) Fatal(context.Context, string, ...Field)      {}
func (NoOpLogger) LogError(context.Context, error, string, ...Field) {}
func (NoOpLogger) WithComponent(string) StructuredLogger        { return NoOpLogger{} }
func (NoOpLogger) WithFields(...Field) StructuredLogger         { return NoOpLogger{} }
func (NoOpLogger) SetLevel(LogLevel)                            {}
func (NoOpLogger) IsEnabled(LogLevel) bool                       { return false }
