package log

import (
	"context"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileHandlerConfig configures the rotating file sink used for the
// environmental-error log: socket rebinds, upstream disconnects and the
// like are logged, not propagated, so a durable on-disk trail matters more
// than it does for the hot-path metrics counters.
type FileHandlerConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      Level
}

// NewFileHandler returns a slog.Handler writing JSON lines to a
// lumberjack-rotated file.
func NewFileHandler(cfg FileHandlerConfig) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.Level(cfg.Level),
	})
}

// MultiHandler fans a record out to multiple handlers, e.g. a terminal
// handler for operators and a file handler for durable history.
type MultiHandler []slog.Handler

func (m MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(MultiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m MultiHandler) WithGroup(name string) slog.Handler {
	out := make(MultiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
