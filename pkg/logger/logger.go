package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger tagged with the emitting service.
func New(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", service)
}
