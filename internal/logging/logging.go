// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"

	// Output defaults to stderr so stdout stays free for command output and
	// the live report.
	Output io.Writer
}

// Setup initializes the global slog logger based on configuration.
func Setup(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLevel converts a string level to slog.Level.
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

// runIDKey is the context key for run IDs.
type runIDKey struct{}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID retrieves the run ID from context.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewRunID creates a new unique run ID.
func NewRunID() string {
	return uuid.NewString()
}

// WorkerLogger creates a logger with the worker identity.
func WorkerLogger(hostname, instance string) *slog.Logger {
	return slog.With("hostname", hostname, "instance", instance)
}

// RangeLogger adds range context to a worker logger.
func RangeLogger(base *slog.Logger, prefix string, requeueCount uint32) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("prefix", prefix, "requeue_count", requeueCount)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}

// DefaultInstance names the log directory of workers started without an
// instance name.
const DefaultInstance = "default"

// InstanceDir returns base/<instance>, creating it if needed.
func InstanceDir(base, instance string) (string, error) {
	if instance == "" {
		instance = DefaultInstance
	}
	if strings.ContainsAny(instance, `/\`) || instance == "." || instance == ".." {
		return "", fmt.Errorf("invalid instance name %q", instance)
	}
	dir := filepath.Join(base, instance)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create instance log directory %s: %w", dir, err)
	}
	return dir, nil
}
