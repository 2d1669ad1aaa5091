// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls handler selection and baseline attributes.
type Config struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string
	// JSON selects the JSON handler over key=value text.
	JSON bool
	// IncludePID stamps every record with this process's PID.
	IncludePID bool
	// Output defaults to stderr. The TUI redirects logs to a file so they
	// do not tear the screen.
	Output io.Writer
}

// FromEnv builds a Config from NETTHROTTLE_LOG_LEVEL and
// NETTHROTTLE_LOG_FORMAT ("json" or "text").
func FromEnv() Config {
	return Config{
		Level: os.Getenv("NETTHROTTLE_LOG_LEVEL"),
		JSON:  strings.EqualFold(strings.TrimSpace(os.Getenv("NETTHROTTLE_LOG_FORMAT")), "json"),
	}
}

// Configure installs and returns the default logger.
func Configure(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	if cfg.IncludePID {
		handler = handler.WithAttrs([]slog.Attr{slog.Int("pid", os.Getpid())})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
