package observability

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileConfig describes the optional rotating log file
type LogFileConfig struct {
	Path       string // empty disables the file sink
	MaxSizeMB  int
	MaxAgeDays int
}

// NewLogger creates a logger based on environment
func NewLogger(environment string, file LogFileConfig) *slog.Logger {
	return slog.New(newHandler(environment, logWriter(file)))
}

func newHandler(environment string, w io.Writer) slog.Handler {
	if environment == "production" {
		// Production: JSON with structured fields
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     slog.LevelInfo,
			AddSource: true,
		})
	}
	// Development: Human-readable text
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
}

// logWriter tees stdout into a size-rotated file when a path is set
func logWriter(file LogFileConfig) io.Writer {
	if file.Path == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxAge:     file.MaxAgeDays,
		MaxBackups: 7,
		Compress:   false,
	})
}
