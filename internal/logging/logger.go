package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joshp123/melsync/internal/config"
)

// New builds the process logger: JSON or text on stderr, filtered by level,
// with service and version attached to every record.
func New(cfg config.LoggingConfig, version string) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg, version)
}

func NewWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "melsync"),
		slog.String("version", version),
	})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
