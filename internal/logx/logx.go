package logx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogcontext "github.com/veqryn/slog-context"

	"toolpin/internal/paths"
)

// ParseLevel maps a --log-level value onto a slog level.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("invalid log level: %s", raw)
	}
}

// New creates a logger that writes everything at debug level to a timestamped
// file inside the logs directory and, at the requested level, text to
// console. The returned closer should be closed when logging is no longer
// needed.
func New(p paths.StorePaths, console io.Writer, level slog.Level) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(p.LogsDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("ensure logs directory: %w", err)
	}

	filename := time.Now().Format("20060102-150405") + fmt.Sprintf("-%d.log", os.Getpid())
	filePath := filepath.Join(p.LogsDir, filename)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	if console != nil {
		handlers = append(handlers, slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), file, nil
}

// WithLogger stores logger in ctx for slogcontext.FromCtx lookups.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return slogcontext.NewCtx(ctx, logger)
}
