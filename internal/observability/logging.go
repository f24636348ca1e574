package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogging installs the process-wide slog default. Components derive
// their own loggers with slog.Default().With("component", ...).
//
// Level is one of debug, info, warn, error; format is json or text. JSON
// is the production default, text reads better during development.
func SetupLogging(level, format string) {
	SetupLoggingTo(os.Stderr, level, format)
}

// SetupLoggingTo is SetupLogging with an explicit output writer.
func SetupLoggingTo(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: LogLevelFromString(level)}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// LogLevelFromString converts a level name to a slog.Level, defaulting to
// info for unrecognized values.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
