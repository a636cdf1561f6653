package log

import (
	"context"
	"log/slog"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

// Logger provides structured logging with slog.
type Logger struct {
	slog   *slog.Logger
	config Config
}

// New creates a new Logger with the given configuration.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:     config.Level.ToSlogLevel(),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(config.Output.Writer(), opts)
	default:
		handler = slog.NewJSONHandler(config.Output.Writer(), opts)
	}

	l := slog.New(handler)
	if config.ServiceName != "" {
		l = l.With("service", config.ServiceName, "version", config.ServiceVersion)
	}

	return &Logger{
		slog:   l,
		config: config,
	}
}

// Default creates a logger with default configuration.
func Default() *Logger {
	return New(DefaultConfig())
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(DiscardConfig())
}

// With returns a new Logger with the given attributes added to all log entries.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
	}
}

// WithError adds error details to the logger.
// A GatewayError contributes error_code, provider and suggestions.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}

	if gwErr, ok := errors.As(err); ok {
		return l.With(gatewayErrorArgs(gwErr, "error")...)
	}

	return l.With("error", err.Error())
}

func gatewayErrorArgs(gwErr *errors.GatewayError, messageKey string) []any {
	args := []any{
		messageKey, gwErr.Message,
		"error_code", string(gwErr.Code),
	}

	if gwErr.Provider != "" {
		args = append(args, "provider", gwErr.Provider)
	}

	if len(gwErr.Suggestions) > 0 {
		args = append(args, "suggestions", gwErr.Suggestions)
	}

	if gwErr.Cause != nil {
		args = append(args, "cause", gwErr.Cause.Error())
	}

	return args
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.slog.Debug(msg, args...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slog.WarnContext(ctx, msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slog.ErrorContext(ctx, msg, args...)
}

// LogError logs err at error level with all GatewayError details.
func (l *Logger) LogError(msg string, err error) {
	l.LogErrorContext(context.Background(), msg, err)
}

// LogErrorContext logs err at error level with all GatewayError details and context.
func (l *Logger) LogErrorContext(ctx context.Context, msg string, err error) {
	if err == nil {
		return
	}

	if gwErr, ok := errors.As(err); ok {
		args := gatewayErrorArgs(gwErr, "error_message")
		if gwErr.DocsURL != "" {
			args = append(args, "docs_url", gwErr.DocsURL)
		}
		l.ErrorContext(ctx, msg, args...)
		return
	}

	l.ErrorContext(ctx, msg, "error", err.Error())
}

// Config returns the logger configuration.
func (l *Logger) Config() Config {
	return l.config
}
