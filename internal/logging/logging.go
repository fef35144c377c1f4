// Package logging builds the process logger: JSON records on stderr and,
// when a file is configured, a size-rotated copy on disk.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// File enables the rotating log file. Empty logs to the console only.
	File string
	// Console defaults to os.Stderr.
	Console io.Writer
}

// Logger owns the optional rotating file behind a *slog.Logger.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values are
// reported and treated as info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func New(opts Options) *Logger {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	lvl, ok := ParseLevel(opts.Level)

	w := console
	var file *lumberjack.Logger
	if strings.TrimSpace(opts.File) != "" {
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    32, // MB
			MaxAge:     14,
			MaxBackups: 3,
			Compress:   true,
		}
		w = io.MultiWriter(console, file)
	}

	l := &Logger{
		Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})),
		file:   file,
	}
	if !ok {
		l.Warn("invalid log level, using info", "level", opts.Level)
	}
	return l
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
