// Package logging provides the engine's structured logger: a thin slog
// wrapper that stamps trace/span correlation attributes when the context
// carries one, the way the teacher's engine/telemetry/logging package does.
package logging

import (
	"context"
	"log/slog"

	"github.com/Joaquim-mph/optothermal/internal/telemetry"
)

// Logger is the narrow interface every engine component logs through.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapping base, or slog.Default() if base
// is nil.
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) attrs(ctx context.Context, extra []any) []any {
	traceID, spanID := telemetry.ExtractIDs(ctx)
	if traceID == "" && spanID == "" {
		return extra
	}
	return append(extra, slog.String("trace_id", traceID), slog.String("span_id", spanID))
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.attrs(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.attrs(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.attrs(ctx, attrs)...)
}
