package cli

import (
	"io"
	"log/slog"

	"hermannm.dev/devlog"
)

var logLevel slog.LevelVar

func setupLogging(w io.Writer, level string) {
	logLevel.Set(parseLevel(level))
	slog.SetDefault(slog.New(devlog.NewHandler(w, &devlog.Options{
		Level: &logLevel,
	})))
}

func parseLevel(level string) slog.Level {
	switch level {
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
