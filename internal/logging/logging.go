// Package logging builds the process-wide *slog.Logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a logger writing to w. format "text" renders human-readable
// lines through charmbracelet/log; anything else emits JSON.
func New(w io.Writer, level, format string) *slog.Logger {
	lvl := parseLevel(level)
	if strings.EqualFold(format, "text") {
		h := log.NewWithOptions(w, log.Options{
			ReportTimestamp: true,
			TimeFormat:      time.StampMilli,
			Prefix:          "fileaudit",
			Formatter:       log.TextFormatter,
			Level:           log.Level(lvl),
		})
		return slog.New(h)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
