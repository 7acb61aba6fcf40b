// Package logger sets up structured logging for the sync engine: slog JSON
// output through a size-rotated log file, with optional stderr mirroring for
// interactive runs.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 5
	maxAgeDays = 14
	maxBackups = 20
)

// Options controls logger construction.
type Options struct {
	// Path to the log file. Empty means stderr only.
	Path string

	// Level string: debug, info, warn, error (case-insensitive). Empty falls
	// back to the LOG_LEVEL environment variable, then to info.
	Level string

	// Stderr mirrors all output to stderr in addition to the file.
	Stderr bool
}

// ParseLevel maps a level name to its slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
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

// New builds a JSON slog.Logger per opts. The returned closer flushes and
// closes the rotating file; it is a no-op for stderr-only loggers.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxSizeMB,
			MaxAge:     maxAgeDays,
			MaxBackups: maxBackups,
			Compress:   true,
			LocalTime:  true,
		}
		out = rotator
		closer = rotator
		if opts.Stderr {
			out = io.MultiWriter(rotator, os.Stderr)
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
