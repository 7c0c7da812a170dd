package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyWineryID  ctxKey = "winery_id"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

func Logger() *slog.Logger {
	return logger.Load()
}

// Configure replaces the process logger: JSON to w at the named level.
func Configure(w io.Writer, level string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger.Store(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// WithRequestID stores a request_id in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// WithWineryID stores the tenant in the context for log lines.
func WithWineryID(ctx context.Context, wineryID string) context.Context {
	return context.WithValue(ctx, ctxKeyWineryID, wineryID)
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// LoggerFromContext adds request_id and winery_id if present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	l := Logger()
	if reqID := RequestID(ctx); reqID != "" {
		l = l.With("request_id", reqID)
	}
	if wineryID, _ := ctx.Value(ctxKeyWineryID).(string); wineryID != "" {
		l = l.With("winery_id", wineryID)
	}
	return l
}
