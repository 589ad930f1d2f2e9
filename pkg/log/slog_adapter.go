package log

import (
	"context"
	"log/slog"
	"time"
)

// SlogAdapter writes protocol events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	fs := eventFields(event)
	attrs := make([]slog.Attr, 0, len(fs))
	for _, f := range fs {
		switch v := f.value.(type) {
		case string:
			attrs = append(attrs, slog.String(f.key, v))
		case int:
			attrs = append(attrs, slog.Int(f.key, v))
		case int64:
			attrs = append(attrs, slog.Int64(f.key, v))
		case uint64:
			attrs = append(attrs, slog.Uint64(f.key, v))
		case bool:
			attrs = append(attrs, slog.Bool(f.key, v))
		case time.Duration:
			attrs = append(attrs, slog.Duration(f.key, v))
		default:
			attrs = append(attrs, slog.Any(f.key, v))
		}
	}
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
