// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options selects the logger's level and output format.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "text" for colorized terminal output or "json" for
	// machine-readable lines. Empty picks text on a terminal, json
	// otherwise.
	Format string
	// Output defaults to stderr so log lines never interleave with the
	// stdio RPC transport on stdout.
	Output io.Writer
}

// New builds a slog.Logger and installs it as the default.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := parseLevel(opts.Level)

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	case "text":
		handler = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	default:
		if f, ok := out.(*os.File); ok && isTerminal(f) {
			handler = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
		} else {
			handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
