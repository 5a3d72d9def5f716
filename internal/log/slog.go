package log

import (
	"context"
	"log/slog"
	"os"

	"github.com/dusted-go/logging/prettylog"
	"github.com/go-logr/logr"
)

// NewServerLogger returns a JSON logger on stderr for long-running processes.
func NewServerLogger(verbosity int) logr.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.Level(verbosity * -1),
		AddSource: true,
	})
	return logr.FromSlogHandler(handler)
}

// NewCLILogger returns a human-readable logger for interactive commands.
func NewCLILogger(verbosity int) logr.Logger {
	prettyHandler := prettylog.NewHandler(&slog.HandlerOptions{
		Level:       slog.Level(verbosity * -1),
		AddSource:   false,
		ReplaceAttr: nil,
	})
	return logr.FromSlogHandler(prettyHandler)
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// FromContext returns the logger stored in ctx, or a discarding logger.
func FromContext(ctx context.Context) logr.Logger {
	logger, err := logr.FromContext(ctx)
	if err != nil {
		return logr.Discard()
	}
	return logger
}
