// internal/logger/logger.go
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// New creates a logger that writes to stdout and, when logFilePath is set,
// to that file as well.
func New(logFilePath string, logLevelStr string) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeFn := func() {}

	if logFilePath != "" {
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", logFilePath, err)
		}
		out = io.MultiWriter(os.Stdout, logFile)
		closeFn = func() { _ = logFile.Close() }
	}

	level, ok := ParseLevel(logLevelStr)
	logger := NewWithWriter(out, level)
	if !ok {
		logger.Warn("Invalid log level specified, defaulting to INFO.", "provided_level", logLevelStr, "default_level", "INFO")
	}
	return logger, closeFn, nil
}

// NewWithWriter builds the text handler used across the application.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006/01/02 15:04:05"))
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR to a slog level. Unknown names map to
// INFO and report false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO", "":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
