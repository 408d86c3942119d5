// Package log provides a leveled, structured logger built on top of
// log/slog, modeled on go-ethereum's log package: a small set of leveled
// methods, composable handlers, and a process-wide root logger that the
// rest of paladin-core logs through for its "environmental" and "domain"
// error classes.
package log

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// Level mirrors slog.Level but adds the Trace and Crit levels go-ethereum's
// logger exposes on top of the four standard slog levels.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
	LevelCrit  Level = 12
)

func (l Level) String() string {
	switch {
	case l <= LevelTrace:
		return "TRACE"
	case l <= LevelDebug:
		return "DEBUG"
	case l <= LevelInfo:
		return "INFO"
	case l <= LevelWarn:
		return "WARN"
	case l <= LevelError:
		return "ERROR"
	default:
		return "CRIT"
	}
}

// Logger is the interface the rest of paladin-core logs through.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	Log(level Level, msg string, ctx ...any)
	New(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

// New creates a new Logger with the given key/value context attached to
// every record it writes, using the current root handler.
func New(ctx ...any) Logger {
	return &logger{inner: slog.New(root.Load().(*GlogHandler)).With(ctx...)}
}

func (l *logger) write(level Level, msg string, ctx []any) {
	l.inner.Log(context.Background(), slog.Level(level), msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.write(LevelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.write(LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.write(LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.write(LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.write(LevelError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any)  { l.write(LevelCrit, msg, ctx) }

func (l *logger) Log(level Level, msg string, ctx ...any) { l.write(level, msg, ctx) }

func (l *logger) New(ctx ...any) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}

// defaultHandler is the process-wide *GlogHandler new loggers are built
// against; it is what makes Root()/New() usable at package-init time without
// relying on func init() ordering relative to other package-level vars.
var defaultHandler = NewGlogHandler(NewTerminalHandler(os.Stderr, false))

// root holds the handler currently installed via SetDefault.
var root atomic.Value

func init() {
	root.Store(defaultHandler)
}

// SetDefault installs h as the process-wide handler used by future calls to
// New and by the package-level Trace/Debug/.../Crit helpers.
func SetDefault(h *GlogHandler) {
	root.Store(h)
}

// Root returns the process-wide default Logger, writing through the handler
// currently installed via SetDefault.
func Root() Logger { return &logger{inner: slog.New(root.Load().(*GlogHandler))} }

func Trace(msg string, ctx ...any) { Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { Root().Crit(msg, ctx...) }
