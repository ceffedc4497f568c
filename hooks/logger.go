// Package hooks provides observability hooks for embedkit engines and pools.
package hooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const maxLoggedStatement = 500

// LoggerHook logs statements executed by the engine.
type LoggerHook struct {
	logger        *slog.Logger
	logAll        bool
	slowThreshold time.Duration
}

// NewLoggerHook creates a new logger hook. With logAll every statement is
// logged at debug level; otherwise only failures and statements slower than
// slowThreshold are.
func NewLoggerHook(logger *slog.Logger, logAll bool, slowThreshold time.Duration) *LoggerHook {
	return &LoggerHook{
		logger:        logger,
		logAll:        logAll,
		slowThreshold: slowThreshold,
	}
}

// BeforeQuery is called before a statement is executed
func (h *LoggerHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called after a statement is executed
func (h *LoggerHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime)
	slow := h.slowThreshold > 0 && duration >= h.slowThreshold

	if !h.logAll && !slow && event.Err == nil {
		return
	}

	attrs := []slog.Attr{
		slog.Duration("duration", duration),
		slog.String("operation", OperationType(event.Query)),
	}
	if h.logAll || slow {
		attrs = append(attrs, slog.String("statement", truncate(event.Query)))
	}

	switch {
	case event.Err != nil:
		attrs = append(attrs, slog.String("error", event.Err.Error()))
		h.logger.LogAttrs(ctx, slog.LevelError, "statement failed", attrs...)
	case slow:
		h.logger.LogAttrs(ctx, slog.LevelWarn, "slow statement", attrs...)
	default:
		h.logger.LogAttrs(ctx, slog.LevelDebug, "statement", attrs...)
	}
}

func truncate(stmt string) string {
	if len(stmt) > maxLoggedStatement {
		return stmt[:maxLoggedStatement] + "..."
	}
	return stmt
}

// OperationType extracts a low-cardinality operation label from a statement.
func OperationType(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexAny(stmt, " \t\r\n;("); i >= 0 {
		stmt = stmt[:i]
	}

	switch op := strings.ToLower(stmt); op {
	case "select", "insert", "update", "delete", "create", "drop", "alter",
		"begin", "commit", "rollback", "savepoint", "release",
		"pragma", "with", "set", "show", "explain", "vacuum", "analyze":
		return op
	case "end":
		return "commit"
	default:
		return "other"
	}
}
