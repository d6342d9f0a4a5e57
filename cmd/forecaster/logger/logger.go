// Package logger builds the forecaster's structured logger.
//
// Output goes to stdout as text or JSON depending on the configured format.
// Level and format names are matched case-insensitively; unknown levels fall
// back to info.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/HatiCode/revcast/cmd/forecaster/config"
)

func New(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "revcast-forecaster")
}
