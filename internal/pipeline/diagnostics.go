package pipeline

import (
	"context"
	"log/slog"
)

// Diagnostics receives watchdog timeouts, signal misuse, and stage failures.
type Diagnostics interface {
	Report(ctx context.Context, level slog.Level, stage, msg string, attrs ...slog.Attr)
}

// LogDiagnostics writes diagnostics to a slog.Logger.
type LogDiagnostics struct {
	logger *slog.Logger
}

// NewLogDiagnostics creates a slog-backed Diagnostics. A nil logger uses slog.Default().
func NewLogDiagnostics(logger *slog.Logger) *LogDiagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDiagnostics{logger: logger}
}

func (d *LogDiagnostics) Report(ctx context.Context, level slog.Level, stage, msg string, attrs ...slog.Attr) {
	all := make([]slog.Attr, 0, len(attrs)+1)
	all = append(all, slog.String("stage", stage))
	all = append(all, attrs...)
	d.logger.LogAttrs(ctx, level, msg, all...)
}

// Observer is notified as stages and pipelines finish. Used for metrics.
type Observer interface {
	StageFinished(kind StageKind, outcome Outcome, cause Cause, seconds float64)
	PipelineFinished(connected bool)
}

type nopObserver struct{}

func (nopObserver) StageFinished(StageKind, Outcome, Cause, float64) {}
func (nopObserver) PipelineFinished(bool)                            {}
