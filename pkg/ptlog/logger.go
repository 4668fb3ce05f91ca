// Package ptlog wraps zap into the leveled, printf-style logging API used
// throughout pointstore: a package-level default logger plus per-component
// instances, both structured under the hood.
package ptlog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides leveled logging over a zap.SugaredLogger.
type Logger struct {
	level  *zap.AtomicLevel
	sugar  *zap.SugaredLogger
	fields []interface{}
}

var defaultLogger *Logger

func init() {
	defaultLogger = New(INFO)
}

// New creates a new logger instance writing structured, console-encoded
// output to stderr at the given level.
func New(level LogLevel) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(zapcore.AddSync(newStderrSink())), atom)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{level: &atom, sugar: base.Sugar()}
}

// With returns a child logger that always attaches the given key/value
// pairs, used by components to tag every line with e.g. a subsystem name.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{level: l.level, sugar: l.sugar.With(kv...), fields: append(append([]interface{}{}, l.fields...), kv...)}
}

// SetLevel sets the global default logger's level.
func SetLevel(level LogLevel) { defaultLogger.SetLevel(level) }

// SetLevel adjusts this logger's level at runtime.
func (l *Logger) SetLevel(level LogLevel) { l.level.SetLevel(level.zapLevel()) }

func Debug(format string, args ...interface{}) { defaultLogger.Debug(format, args...) }
func Info(format string, args ...interface{})  { defaultLogger.Info(format, args...) }
func Warn(format string, args ...interface{})  { defaultLogger.Warn(format, args...) }
func Error(format string, args ...interface{}) { defaultLogger.Error(format, args...) }

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes any buffered log entries; callers should defer this at
// process exit.
func (l *Logger) Sync() error { return l.sugar.Sync() }

func newStderrSink() zapcore.WriteSyncer {
	ws, _, err := zap.Open("stderr")
	if err != nil {
		panic(fmt.Sprintf("logger: cannot open stderr sink: %v", err))
	}
	return ws
}
