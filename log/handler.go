package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// TerminalHandler is a slog.Handler that writes human-readable, optionally
// colorized lines, matching the shape of go-ethereum's terminal log format:
// "LVL [timestamp] message key=val key=val".
type TerminalHandler struct {
	mu     sync.Mutex
	wr     io.Writer
	level  Level
	color  bool
	attrs  []slog.Attr
	groups []string
}

// NewTerminalHandler returns a handler writing to wr, auto-colorizing only
// when wr is a terminal and useColor is true.
func NewTerminalHandler(wr io.Writer, useColor bool) *TerminalHandler {
	return NewTerminalHandlerWithLevel(wr, LevelInfo, useColor)
}

// NewTerminalHandlerWithLevel is NewTerminalHandler with an explicit minimum
// level.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl Level, useColor bool) *TerminalHandler {
	color := false
	if f, ok := wr.(*os.File); ok {
		color = useColor && isatty.IsTerminal(f.Fd())
	}
	if color {
		wr = colorable.NewColorable(wr.(*os.File))
	}
	return &TerminalHandler{wr: wr, level: lvl, color: color}
}

func (h *TerminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return Level(level) >= h.level
}

func (h *TerminalHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var b strings.Builder
	name := Level(r.Level).String()
	lvl := fmt.Sprintf("%-5s", name)
	if h.color {
		code := map[string]int{"TRACE": 34, "DEBUG": 36, "INFO": 32, "WARN": 33, "ERROR": 31, "CRIT": 35}[name]
		lvl = fmt.Sprintf("\x1b[%dm%s\x1b[0m", code, lvl)
	}
	fmt.Fprintf(&b, "%s [%s] %s", lvl, r.Time.Format("01-02|15:04:05.000"), r.Message)

	writeAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool { return writeAttr(a) })
	b.WriteByte('\n')

	_, err := io.WriteString(h.wr, b.String())
	return err
}

func (h *TerminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TerminalHandler{
		wr:     h.wr,
		level:  h.level,
		color:  h.color,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *TerminalHandler) WithGroup(name string) slog.Handler {
	return &TerminalHandler{
		wr:     h.wr,
		level:  h.level,
		color:  h.color,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

// GlogHandler wraps a slog.Handler and adds glog-style runtime-adjustable
// verbosity, matching go-ethereum's log.GlogHandler. Vmodule (per-file
// verbosity overrides) is supported with simple "pattern=level" matching
// rather than go-ethereum's full glob/regex grammar.
type GlogHandler struct {
	inner   slog.Handler
	level   atomicLevel
	vmodule map[string]Level
	mu      sync.RWMutex
}

func NewGlogHandler(h slog.Handler) *GlogHandler {
	g := &GlogHandler{inner: h}
	g.level.store(LevelInfo)
	return g
}

// Verbosity sets the global minimum level.
func (g *GlogHandler) Verbosity(lvl Level) {
	g.level.store(lvl)
}

// Vmodule sets per-file verbosity overrides of the form "file.go=LEVEL",
// comma-separated.
func (g *GlogHandler) Vmodule(spec string) error {
	mods := make(map[string]Level)
	for _, part := range strings.Split(spec, ",") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid vmodule entry: %q", part)
		}
		var lvl int
		if _, err := fmt.Sscanf(kv[1], "%d", &lvl); err != nil {
			return fmt.Errorf("invalid vmodule level in %q: %w", part, err)
		}
		mods[kv[0]] = Level(lvl)
	}
	g.mu.Lock()
	g.vmodule = mods
	g.mu.Unlock()
	return nil
}

func (g *GlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Level(level) >= g.level.load() || g.inner.Enabled(ctx, level)
}

func (g *GlogHandler) Handle(ctx context.Context, r slog.Record) error {
	min := g.level.load()
	g.mu.RLock()
	for file, lvl := range g.vmodule {
		if strings.Contains(callerFile(r), file) && lvl > min {
			min = lvl
		}
	}
	g.mu.RUnlock()
	if Level(r.Level) < min {
		return nil
	}
	return g.inner.Handle(ctx, r)
}

func (g *GlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GlogHandler{inner: g.inner.WithAttrs(attrs), level: g.level, vmodule: g.vmodule}
}

func (g *GlogHandler) WithGroup(name string) slog.Handler {
	return &GlogHandler{inner: g.inner.WithGroup(name), level: g.level, vmodule: g.vmodule}
}

func callerFile(r slog.Record) string {
	if r.PC == 0 {
		return ""
	}
	frames := runtime.CallersFrames([]uintptr{r.PC})
	frame, _ := frames.Next()
	return frame.File
}

// atomicLevel is a tiny helper so GlogHandler can be cheaply copied by value
// (WithAttrs/WithGroup) while its verbosity stays live-adjustable from the
// original.
type atomicLevel struct {
	v *int32lvl
}

type int32lvl struct {
	mu  sync.RWMutex
	val Level
}

func (a *atomicLevel) store(l Level) {
	if a.v == nil {
		a.v = &int32lvl{}
	}
	a.v.mu.Lock()
	a.v.val = l
	a.v.mu.Unlock()
}

func (a *atomicLevel) load() Level {
	if a.v == nil {
		return LevelInfo
	}
	a.v.mu.RLock()
	defer a.v.mu.RUnlock()
	return a.v.val
}
