package server

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/focus/internal/pipeline"
)

// Diagnostics logs pipeline diagnostics with the request ID taken from the
// stage context, and adds the last failure to the request log line.
type Diagnostics struct {
	logger *slog.Logger
}

var _ pipeline.Diagnostics = (*Diagnostics)(nil)

// NewDiagnostics creates a Diagnostics. A nil logger uses slog.Default().
func NewDiagnostics(logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{logger: logger}
}

func (d *Diagnostics) Report(ctx context.Context, level slog.Level, stage, msg string, attrs ...slog.Attr) {
	all := make([]slog.Attr, 0, len(attrs)+2)
	if id := GetRequestID(ctx); id != "" {
		all = append(all, slog.String("request_id", id))
	}
	all = append(all, slog.String("stage", stage))
	all = append(all, attrs...)
	d.logger.LogAttrs(ctx, level, msg, all...)

	if level >= slog.LevelError {
		AddLogField(ctx, "stage_error", stage+": "+msg)
	}
}
